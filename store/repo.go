package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repo is the typed view of the collections used by handlers and jobs.
type Repo struct {
	b   Backend
	now func() time.Time
}

func NewRepo(b Backend) *Repo {
	return &Repo{b: b, now: time.Now}
}

// Backend exposes the underlying document backend (migration tooling uses batches).
func (r *Repo) Backend() Backend { return r.b }

func (r *Repo) Close() error { return r.b.Close() }

// NormalizeLogin lowercases and trims a Twitch login used as a document key.
func NormalizeLogin(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (r *Repo) merge(ctx context.Context, collection, id string, v any) error {
	f, err := toFields(v)
	if err != nil {
		return err
	}
	return r.b.Merge(ctx, collection, id, f)
}

// GetChannel returns ErrNotFound for an unknown login.
func (r *Repo) GetChannel(ctx context.Context, login string) (*ManagedChannel, error) {
	login = NormalizeLogin(login)
	f, err := r.b.Get(ctx, CollectionChannels, login)
	if err != nil {
		return nil, err
	}
	var ch ManagedChannel
	if err := fromFields(f, &ch); err != nil {
		return nil, err
	}
	ch.Login = login
	return &ch, nil
}

func (r *Repo) MergeChannel(ctx context.Context, login string, u ChannelUpdate) error {
	return r.merge(ctx, CollectionChannels, NormalizeLogin(login), u)
}

// ListActiveChannels returns channels with isActive=true, ordered by login.
func (r *Repo) ListActiveChannels(ctx context.Context) ([]ManagedChannel, error) {
	docs, err := r.b.List(ctx, CollectionChannels, &Filter{Field: "isActive", Value: true})
	if err != nil {
		return nil, err
	}
	out := make([]ManagedChannel, 0, len(docs))
	for _, d := range docs {
		var ch ManagedChannel
		if err := fromFields(d.Data, &ch); err != nil {
			return nil, fmt.Errorf("channel %s: %w", d.ID, err)
		}
		ch.Login = d.ID
		out = append(out, ch)
	}
	return out, nil
}

// GetTTSConfig returns an empty config (not an error) when none is stored.
func (r *Repo) GetTTSConfig(ctx context.Context, channel string) (*TTSChannelConfig, error) {
	channel = NormalizeLogin(channel)
	cfg := TTSChannelConfig{Channel: channel}
	f, err := r.b.Get(ctx, CollectionTTSConfigs, channel)
	if errors.Is(err, ErrNotFound) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := fromFields(f, &cfg); err != nil {
		return nil, err
	}
	cfg.Channel = channel
	return &cfg, nil
}

// MergeTTSConfig stamps UpdatedAt unless the caller set it.
func (r *Repo) MergeTTSConfig(ctx context.Context, channel string, u TTSConfigUpdate) error {
	if u.UpdatedAt == nil {
		now := r.now().UTC()
		u.UpdatedAt = &now
	}
	return r.merge(ctx, CollectionTTSConfigs, NormalizeLogin(channel), u)
}

// ListTTSConfigs returns every stored channel config.
func (r *Repo) ListTTSConfigs(ctx context.Context) ([]TTSChannelConfig, error) {
	docs, err := r.b.List(ctx, CollectionTTSConfigs, nil)
	if err != nil {
		return nil, err
	}
	out := make([]TTSChannelConfig, 0, len(docs))
	for _, d := range docs {
		var c TTSChannelConfig
		if err := fromFields(d.Data, &c); err != nil {
			return nil, fmt.Errorf("tts config %s: %w", d.ID, err)
		}
		c.Channel = d.ID
		out = append(out, c)
	}
	return out, nil
}

// GetUserPreference returns an empty preference when none is stored.
func (r *Repo) GetUserPreference(ctx context.Context, username string) (*UserPreference, error) {
	username = NormalizeLogin(username)
	p := UserPreference{Username: username}
	f, err := r.b.Get(ctx, CollectionPreferences, username)
	if errors.Is(err, ErrNotFound) {
		return &p, nil
	}
	if err != nil {
		return nil, err
	}
	if err := fromFields(f, &p); err != nil {
		return nil, err
	}
	p.Username = username
	return &p, nil
}

// PutUserPreference replaces the whole document, so nil fields are removed.
func (r *Repo) PutUserPreference(ctx context.Context, p UserPreference) error {
	now := r.now().UTC()
	p.UpdatedAt = &now
	f, err := toFields(p)
	if err != nil {
		return err
	}
	return r.b.Set(ctx, CollectionPreferences, NormalizeLogin(p.Username), f)
}

// CreateShortLink never overwrites; a taken slug yields ErrAlreadyExists.
func (r *Repo) CreateShortLink(ctx context.Context, l ShortLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.now().UTC()
	}
	f, err := toFields(l)
	if err != nil {
		return err
	}
	return r.b.Create(ctx, CollectionShortLinks, l.Slug, f)
}

func (r *Repo) GetShortLink(ctx context.Context, slug string) (*ShortLink, error) {
	f, err := r.b.Get(ctx, CollectionShortLinks, slug)
	if err != nil {
		return nil, err
	}
	var l ShortLink
	if err := fromFields(f, &l); err != nil {
		return nil, err
	}
	l.Slug = slug
	return &l, nil
}

func (r *Repo) IncrementShortLinkClicks(ctx context.Context, slug string) error {
	return r.b.Increment(ctx, CollectionShortLinks, slug, "clicks", 1)
}

// BatchWriter queues TTS config merges and commits every MaxBatchWrites writes.
type BatchWriter struct {
	r         *Repo
	batch     Batch
	committed int
}

func (r *Repo) NewBatchWriter() *BatchWriter {
	return &BatchWriter{r: r, batch: r.b.NewBatch()}
}

// MergeTTSConfig queues u, flushing first when the current batch is full.
func (w *BatchWriter) MergeTTSConfig(ctx context.Context, channel string, u TTSConfigUpdate) error {
	if w.batch.Len() >= MaxBatchWrites {
		if err := w.Flush(ctx); err != nil {
			return err
		}
	}
	if u.UpdatedAt == nil {
		now := w.r.now().UTC()
		u.UpdatedAt = &now
	}
	f, err := toFields(u)
	if err != nil {
		return err
	}
	w.batch.Merge(CollectionTTSConfigs, NormalizeLogin(channel), f)
	return nil
}

func (w *BatchWriter) Flush(ctx context.Context) error {
	n := w.batch.Len()
	if n == 0 {
		return nil
	}
	if err := w.batch.Commit(ctx); err != nil {
		return err
	}
	w.committed += n
	w.batch = w.r.b.NewBatch()
	return nil
}

// Committed is the number of writes flushed so far.
func (w *BatchWriter) Committed() int { return w.committed }
