package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求分类、条目与命中状态字段，供下载请求日志复用。
func RequestFields(kind, entryID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"kind":      kind,
		"cache_hit": cacheHit,
	}
	if entryID != "" {
		fields["entry_id"] = entryID
	}
	return fields
}

// EntryFields 用于物化/存储等后台任务日志，只关注条目本身。
func EntryFields(action, entryID string) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"entry_id": entryID,
	}
}
