package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-stream/internal/entry"
)

// EntryService 是管理接口依赖的条目操作集合，由 proxy.Service 实现。
type EntryService interface {
	Register(ctx context.Context, location string, days int) (*entry.Entry, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]entry.Entry, error)
}

// RegisterEntryRoutes 暴露 /-/entries 管理接口：列表、注册与删除。
// defaultDays 在请求未给出 expiration_delta 时使用。
func RegisterEntryRoutes(app *fiber.App, service EntryService, defaultDays int) {
	if app == nil || service == nil {
		return
	}

	app.Get("/-/entries", func(c fiber.Ctx) error {
		entries, err := service.List(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "entry_list_failed"})
		}
		now := time.Now()
		payload := make([]entryPayload, 0, len(entries))
		for _, ent := range entries {
			payload = append(payload, encodeEntry(ent, now))
		}
		return c.JSON(fiber.Map{"entries": payload})
	})

	app.Post("/-/entries", func(c fiber.Ctx) error {
		var req registerRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		days := defaultDays
		if req.ExpirationDelta != nil {
			days = *req.ExpirationDelta
		}
		created, err := service.Register(c.Context(), strings.TrimSpace(req.FileLocation), days)
		switch {
		case errors.Is(err, entry.ErrInvalidLocation):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file_location_required"})
		case errors.Is(err, entry.ErrInvalidExpiration):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_expiration_delta"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "entry_register_failed"})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"file_id": created.ID})
	})

	app.Delete("/-/entries/:id", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if err := service.Remove(c.Context(), id); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "entry_remove_failed"})
		}
		c.Status(fiber.StatusNoContent)
		return nil
	})
}

type registerRequest struct {
	FileLocation    string `json:"file_location"`
	ExpirationDelta *int   `json:"expiration_delta"`
}

type entryPayload struct {
	FileID         string `json:"file_id"`
	FileLocation   string `json:"file_location"`
	FileExists     bool   `json:"file_exists"`
	ExpirationDate string `json:"expiration_date"`
	LocalLocation  string `json:"local_location"`
	RemoteLocation string `json:"remote_location"`
	DownloadCount  int64  `json:"download_count"`
	IsExpired      bool   `json:"is_expired"`
	IsRemote       bool   `json:"is_remote"`
	IsLocked       bool   `json:"is_locked"`
}

func encodeEntry(ent entry.Entry, now time.Time) entryPayload {
	return entryPayload{
		FileID:         ent.ID,
		FileLocation:   ent.Location(),
		FileExists:     ent.FileExists(),
		ExpirationDate: ent.ExpiresAt.UTC().Format(time.RFC3339),
		LocalLocation:  ent.LocalLocation,
		RemoteLocation: ent.RemoteLocation,
		DownloadCount:  ent.DownloadCount,
		IsExpired:      ent.IsExpired(now),
		IsRemote:       ent.IsRemote(),
		IsLocked:       ent.Locked,
	}
}
