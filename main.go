package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-stream/internal/cache"
	"github.com/any-hub/any-stream/internal/config"
	"github.com/any-hub/any-stream/internal/entry"
	"github.com/any-hub/any-stream/internal/logging"
	"github.com/any-hub/any-stream/internal/materialize"
	"github.com/any-hub/any-stream/internal/metrics"
	"github.com/any-hub/any-stream/internal/proxy"
	"github.com/any-hub/any-stream/internal/server"
	"github.com/any-hub/any-stream/internal/server/routes"
	"github.com/any-hub/any-stream/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage_path"] = cfg.Global.StoragePath
		fields["database_path"] = cfg.Global.DatabasePath
		fields["download_prefix"] = cfg.Global.DownloadPrefix
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer st.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["download_prefix"] = cfg.Global.DownloadPrefix
	fields["default_expiration"] = cfg.DefaultExpiration().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, st.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-stream", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_STREAM_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_STREAM_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// stack 持有进程级组件，close 按依赖逆序释放。
type stack struct {
	app          *fiber.App
	entries      entry.Store
	materializer *materialize.Materializer
	logger       *logrus.Logger
}

// buildStack 按“条目库 → 磁盘缓存 → 上游客户端 → 物化 → 下载服务 → Fiber”顺序装配组件。
func buildStack(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*stack, error) {
	entries, err := entry.Open(ctx, cfg.Global.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("打开条目库失败: %w", err)
	}
	// 进程崩溃时遗留的锁不会有人释放。
	if released, err := entries.ResetLocks(ctx); err != nil {
		_ = entries.Close()
		return nil, fmt.Errorf("重置条目锁失败: %w", err)
	} else if released > 0 {
		logger.WithFields(logrus.Fields{"action": "startup", "released_locks": released}).Warn("stale_locks_released")
	}

	files, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		_ = entries.Close()
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	client := server.NewUpstreamClient(cfg)
	recorder := metrics.New()
	materializer := materialize.New(entries, files, client, logger, recorder, materialize.Options{
		ChunkSize:      cfg.Global.ChunkSize,
		HandoffTimeout: cfg.Global.HandoffTimeout.DurationValue(),
		ReadTimeout:    cfg.Global.UpstreamTimeout.DurationValue(),
	})

	service, err := proxy.NewService(proxy.ServiceOptions{
		Entries:        entries,
		Files:          files,
		Client:         client,
		Materializer:   materializer,
		Logger:         logger,
		Metrics:        recorder,
		ChunkSize:      cfg.Global.ChunkSize,
		HandoffTimeout: cfg.Global.HandoffTimeout.DurationValue(),
		ReadTimeout:    cfg.Global.UpstreamTimeout.DurationValue(),
	})
	if err != nil {
		_ = entries.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Proxy:          proxy.NewHandler(service, logger),
		DownloadPrefix: cfg.Global.DownloadPrefix,
	})
	if err != nil {
		_ = entries.Close()
		return nil, err
	}
	routes.RegisterEntryRoutes(app, service, cfg.Global.DefaultExpirationDays)
	routes.RegisterMetricsRoute(app, recorder.Handler())

	return &stack{
		app:          app,
		entries:      entries,
		materializer: materializer,
		logger:       logger,
	}, nil
}

// close 等待后台物化结束后再关闭数据库，避免物化写入已关闭的连接。
func (s *stack) close() {
	s.materializer.Wait()
	if err := s.entries.Close(); err != nil {
		s.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Error("entry_store_close_failed")
	}
}

// startHTTPServer 运行监听并在 ctx 取消（收到信号）时优雅关闭。
func startHTTPServer(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port))
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务关闭")
		if err := app.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	return g.Wait()
}
