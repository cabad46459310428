package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/ttsbot-control/store"
	"github.com/onnwee/ttsbot-control/telemetry"
	"github.com/onnwee/ttsbot-control/twitchapi"
)

// Helix is the subset of *twitchapi.HelixClient used here.
type Helix interface {
	ListCustomRewards(ctx context.Context, token, broadcasterID string, onlyManageable bool) ([]twitchapi.CustomReward, error)
	CreateCustomReward(ctx context.Context, token, broadcasterID string, s twitchapi.RewardSettings) (*twitchapi.CustomReward, error)
	UpdateCustomReward(ctx context.Context, token, broadcasterID, rewardID string, s twitchapi.RewardSettings) (*twitchapi.CustomReward, error)
	DeleteCustomReward(ctx context.Context, token, broadcasterID, rewardID string) error
}

// TokenProvider returns a valid broadcaster token; *tokens.Manager implements it.
type TokenProvider interface {
	GetValidToken(ctx context.Context, login string) (string, error)
}

// Outcome names the reconcile branch that succeeded.
type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeAdopted   Outcome = "adopted"
	OutcomeCreated   Outcome = "created"
	OutcomeRecreated Outcome = "recreated"
)

// ClientIDMismatchMessage replaces Twitch's wording for rewards owned by another app.
const ClientIDMismatchMessage = "This reward was created by a different application and cannot be managed here. " +
	"Delete it in your Twitch dashboard or choose a different title, then save again."

// SyncError is a Helix failure surfaced to the dashboard.
type SyncError struct {
	Status  int
	Message string
	Err     error
}

func (e *SyncError) Error() string { return e.Message }
func (e *SyncError) Unwrap() error { return e.Err }

func syncError(err error) error {
	var he *twitchapi.HelixError
	if errors.As(err, &he) {
		if he.IsClientIDMismatch() {
			return &SyncError{Status: he.Status, Message: ClientIDMismatchMessage, Err: err}
		}
		return &SyncError{Status: he.Status, Message: he.Message, Err: err}
	}
	return &SyncError{Status: http.StatusBadGateway, Message: err.Error(), Err: err}
}

// Reconcile makes the remote reward match s and returns the id to store:
// update the stored id; if Twitch no longer has it, adopt a manageable reward with
// the same title, else create one. Other failures are returned as *SyncError.
func Reconcile(ctx context.Context, h Helix, token, broadcasterID, storedID string, s twitchapi.RewardSettings) (string, Outcome, error) {
	recreate := false
	if storedID != "" {
		r, err := h.UpdateCustomReward(ctx, token, broadcasterID, storedID, s)
		if err == nil {
			return r.ID, OutcomeUpdated, nil
		}
		if twitchapi.StatusOf(err) != http.StatusNotFound {
			return "", "", syncError(err)
		}
		recreate = true
		slog.Info("stored reward missing on twitch, reconciling",
			slog.String("reward_id", storedID), slog.String("component", "rewards"))
	}

	list, err := h.ListCustomRewards(ctx, token, broadcasterID, true)
	if err != nil {
		slog.Warn("listing manageable rewards failed, creating",
			slog.Any("err", err), slog.String("component", "rewards"))
	}
	for _, r := range list {
		if r.Title != s.Title {
			continue
		}
		updated, err := h.UpdateCustomReward(ctx, token, broadcasterID, r.ID, s)
		if err == nil {
			return updated.ID, OutcomeAdopted, nil
		}
		slog.Warn("adopting reward by title failed",
			slog.String("reward_id", r.ID), slog.Any("err", err), slog.String("component", "rewards"))
		break
	}

	created, err := h.CreateCustomReward(ctx, token, broadcasterID, s)
	if err != nil {
		return "", "", syncError(err)
	}
	if recreate {
		return created.ID, OutcomeRecreated, nil
	}
	return created.ID, OutcomeCreated, nil
}

// Service persists reward settings and drives Reconcile.
type Service struct {
	Repo   *store.Repo
	Helix  Helix
	Tokens TokenProvider
	now    func() time.Time
}

func NewService(repo *store.Repo, h Helix, tp TokenProvider) *Service {
	return &Service{Repo: repo, Helix: h, Tokens: tp, now: time.Now}
}

// Current returns the stored config (legacy layouts upgraded) or the defaults.
func (s *Service) Current(ctx context.Context, login string) (store.ChannelPointsConfig, error) {
	cfg, err := s.Repo.GetTTSConfig(ctx, login)
	if err != nil {
		return store.ChannelPointsConfig{}, err
	}
	if cp := cfg.EffectiveChannelPoints(); cp != nil {
		return *cp, nil
	}
	return store.DefaultChannelPoints(), nil
}

// Upsert merges in, reconciles the remote reward when enabled, and persists the
// result. An enabled config is only stored with a reward id.
func (s *Service) Upsert(ctx context.Context, login, broadcasterID string, in Input) (store.ChannelPointsConfig, Outcome, error) {
	cur, err := s.Current(ctx, login)
	if err != nil {
		return store.ChannelPointsConfig{}, "", err
	}
	next := Normalize(cur, in)

	var outcome Outcome
	switch {
	case next.Enabled:
		token, err := s.Tokens.GetValidToken(ctx, login)
		if err != nil {
			return store.ChannelPointsConfig{}, "", err
		}
		id, oc, err := Reconcile(ctx, s.Helix, token, broadcasterID, next.RewardID, Payload(next))
		if err != nil {
			telemetry.RewardSyncs.WithLabelValues("failed").Inc()
			return store.ChannelPointsConfig{}, "", err
		}
		telemetry.RewardSyncs.WithLabelValues(string(oc)).Inc()
		next.RewardID, outcome = id, oc
		now := s.now().UTC()
		next.LastSyncedAt = &now
	case next.RewardID != "":
		// Pause the remote reward so viewers cannot redeem it while disabled.
		if token, err := s.Tokens.GetValidToken(ctx, login); err == nil {
			if _, err := s.Helix.UpdateCustomReward(ctx, token, broadcasterID, next.RewardID, Payload(next)); err != nil {
				slog.Warn("disabling remote reward failed",
					slog.String("channel", login), slog.Any("err", err), slog.String("component", "rewards"))
			}
		}
	}

	var upd store.TTSConfigUpdate
	upd.SetChannelPoints(next)
	if err := s.Repo.MergeTTSConfig(ctx, login, upd); err != nil {
		return store.ChannelPointsConfig{}, "", fmt.Errorf("save channel points: %w", err)
	}
	return next, outcome, nil
}

// DeleteResult reports what happened remotely; the local config is always disabled.
type DeleteResult struct {
	Config        store.ChannelPointsConfig
	RemoteDeleted bool
	RemoteError   error
}

// Delete removes the remote reward and disables the local config. The stored reward
// id is cleared only when Twitch confirms the reward is gone, so a later retry can
// still find it.
func (s *Service) Delete(ctx context.Context, login, broadcasterID string) (DeleteResult, error) {
	cur, err := s.Current(ctx, login)
	if err != nil {
		return DeleteResult{}, err
	}
	res := DeleteResult{}
	if cur.RewardID == "" {
		res.RemoteDeleted = true
	} else if token, err := s.Tokens.GetValidToken(ctx, login); err != nil {
		res.RemoteError = err
	} else {
		err := s.Helix.DeleteCustomReward(ctx, token, broadcasterID, cur.RewardID)
		switch {
		case err == nil, twitchapi.StatusOf(err) == http.StatusNotFound:
			res.RemoteDeleted = true
		default:
			res.RemoteError = syncError(err)
		}
	}

	next := cur
	next.Enabled = false
	if res.RemoteDeleted {
		next.RewardID = ""
	}
	var upd store.TTSConfigUpdate
	upd.SetChannelPoints(next)
	if err := s.Repo.MergeTTSConfig(ctx, login, upd); err != nil {
		return DeleteResult{}, fmt.Errorf("save channel points: %w", err)
	}
	res.Config = next
	return res, nil
}
