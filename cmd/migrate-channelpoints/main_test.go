package main

import (
	"context"
	"testing"

	"github.com/onnwee/ttsbot-control/store"
)

func seed(t *testing.T, repo *store.Repo) {
	t.Helper()
	ctx := context.Background()
	enabled := true
	legacyID := "reward-legacy"
	if err := repo.MergeTTSConfig(ctx, "legacy", store.TTSConfigUpdate{LegacyRewardID: &legacyID, LegacyEnabled: &enabled}); err != nil {
		t.Fatal(err)
	}
	var current store.TTSConfigUpdate
	cp := store.DefaultChannelPoints()
	cp.RewardID = "reward-new"
	current.SetChannelPoints(cp)
	if err := repo.MergeTTSConfig(ctx, "current", current); err != nil {
		t.Fatal(err)
	}
	voice := "Wise_Woman"
	if err := repo.MergeTTSConfig(ctx, "voiceonly", store.TTSConfigUpdate{VoiceID: &voice}); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateChannelPoints(t *testing.T) {
	repo := store.NewRepo(store.NewMemory())
	seed(t, repo)
	ctx := context.Background()

	res, err := migrateChannelPoints(ctx, repo, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 3 || res.Migrated != 1 || res.Skipped != 2 {
		t.Fatalf("result = %+v", res)
	}

	cfg, err := repo.GetTTSConfig(ctx, "legacy")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChannelPoints == nil || cfg.ChannelPoints.RewardID != "reward-legacy" || !cfg.ChannelPoints.Enabled {
		t.Fatalf("channelPoints = %+v", cfg.ChannelPoints)
	}
	if cfg.ChannelPoints.SchemaVersion != store.ChannelPointsSchemaVersion {
		t.Errorf("schemaVersion = %d", cfg.ChannelPoints.SchemaVersion)
	}
	if cfg.LegacyRewardID != "reward-legacy" || cfg.LegacyEnabled == nil || !*cfg.LegacyEnabled {
		t.Errorf("legacy mirror = %q %v", cfg.LegacyRewardID, cfg.LegacyEnabled)
	}

	// A second run finds nothing left to do.
	res, err = migrateChannelPoints(ctx, repo, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Migrated != 0 {
		t.Errorf("second run migrated %d", res.Migrated)
	}
}

func TestMigrateChannelPointsDryRun(t *testing.T) {
	repo := store.NewRepo(store.NewMemory())
	seed(t, repo)
	ctx := context.Background()

	res, err := migrateChannelPoints(ctx, repo, true, "legacy")
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 1 || res.Migrated != 1 {
		t.Fatalf("result = %+v", res)
	}
	cfg, _ := repo.GetTTSConfig(ctx, "legacy")
	if cfg.ChannelPoints != nil {
		t.Error("dry run wrote the nested config")
	}
}
