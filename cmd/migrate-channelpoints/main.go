// Command migrate-channelpoints rewrites TTS channel configs stored in the legacy flat
// layout (channelPointRewardId / channelPointsEnabled) into the nested channelPoints
// object. The legacy fields are mirrored so older readers keep working.
//
// Usage:
//
//	migrate-channelpoints [--dry-run] [--channel LOGIN]
//
// Storage is selected with the same variables as the server (STORE_BACKEND,
// GCP_PROJECT_ID, FIRESTORE_DATABASE, DB_DSN).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/ttsbot-control/config"
	"github.com/onnwee/ttsbot-control/store"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	channel := flag.String("channel", "", "Migrate a single channel only (default: all channels)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	ctx := context.Background()
	repo, database, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("open store failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		_ = repo.Close()
		if database != nil {
			_ = database.Close()
		}
	}()

	res, err := migrateChannelPoints(ctx, repo, *dryRun, *channel)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1) //nolint:gocritic // exitAfterDefer: connections are released by process exit
	}
	slog.Info("migration summary",
		slog.Int("scanned", res.Scanned),
		slog.Int("migrated", res.Migrated),
		slog.Int("skipped", res.Skipped),
		slog.Bool("dry_run", *dryRun))
}

type result struct {
	Scanned  int
	Migrated int
	Skipped  int
}

// migrateChannelPoints upgrades every config that has legacy fields but no nested
// object. Writes go through a BatchWriter so large collections stay within batch limits.
func migrateChannelPoints(ctx context.Context, repo *store.Repo, dryRun bool, channelFilter string) (result, error) {
	var res result
	configs, err := repo.ListTTSConfigs(ctx)
	if err != nil {
		return res, err
	}
	channelFilter = store.NormalizeLogin(channelFilter)
	w := repo.NewBatchWriter()

	for _, c := range configs {
		if channelFilter != "" && c.Channel != channelFilter {
			continue
		}
		res.Scanned++
		if c.ChannelPoints != nil && c.ChannelPoints.SchemaVersion >= store.ChannelPointsSchemaVersion {
			res.Skipped++
			continue
		}
		cp := c.EffectiveChannelPoints()
		if cp == nil {
			res.Skipped++
			continue
		}
		logger := slog.With(slog.String("channel", c.Channel), slog.String("reward_id", cp.RewardID), slog.Bool("enabled", cp.Enabled))
		if dryRun {
			logger.Info("would migrate channel points config (dry-run)")
			res.Migrated++
			continue
		}
		var u store.TTSConfigUpdate
		u.SetChannelPoints(*cp)
		if err := w.MergeTTSConfig(ctx, c.Channel, u); err != nil {
			return res, err
		}
		logger.Info("queued channel points migration")
		res.Migrated++
	}
	if err := w.Flush(ctx); err != nil {
		return res, err
	}
	return res, nil
}
