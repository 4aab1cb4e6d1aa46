package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/internal/config"
	"tradefleet/pkg/confkit"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Postgres: %s", presence(cfg.Postgres.DSN != "")),
		fmt.Sprintf("Redis: %s", presence(strings.TrimSpace(cfg.Redis.Host) != "")),
		fmt.Sprintf("TTL (short/medium/long): %ds / %ds / %ds", cfg.TTL.Short, cfg.TTL.Medium, cfg.TTL.Long),
		fmt.Sprintf("Risk: max share %s, max positions %d, fee %s", cfg.Risk.MaxPositionShare, cfg.Risk.MaxOpenPositions, cfg.Risk.FeeRate),
		sectionLine("Market config", cfg.Market),
		sectionLine("Signal config", cfg.Signal),
		sectionLine("Ranking config", cfg.Ranking),
		sectionLine("LLM config", cfg.LLM),
		sectionLine("Executor config", cfg.Executor),
		sectionLine("Manager config", cfg.Manager),
		sectionLine("Evolution config", cfg.Evolution),
		sectionLine("Scheduler config", cfg.Scheduler),
	}
	if sched := cfg.SchedulerConfig(); sched != nil {
		tfs := make([]string, 0, len(sched.Enabled()))
		for _, tf := range sched.Enabled() {
			tfs = append(tfs, string(tf))
		}
		lines = append(lines, fmt.Sprintf("Scheduled timeframes: %s", strings.Join(tfs, ", ")))
	}

	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
