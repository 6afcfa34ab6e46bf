package registry

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"marketsync/internal/config"
	"marketsync/internal/domain"
)

// Store is the slice of the queue repository that holds job definitions.
type Store interface {
	UpsertDefinition(ctx context.Context, d domain.JobDefinition, now time.Time) (string, error)
	GetDefinition(ctx context.Context, id string) (domain.JobDefinition, error)
	ListDefinitions(ctx context.Context) ([]domain.JobDefinition, error)
	ListEnabledDefinitions(ctx context.Context) ([]domain.JobDefinition, error)
	SetDefinitionEnabled(ctx context.Context, id string, enabled bool, now time.Time) error
	DeleteDefinition(ctx context.Context, id string) error
}

// Entry pairs an enabled definition with the slicing plan of its job type.
// A non-nil Err marks the definition unusable for this tick.
type Entry struct {
	Definition domain.JobDefinition
	Slicing    config.SliceConfig
	Err        error
}

type Registry struct {
	store   Store
	slicing map[domain.JobType]config.SliceConfig
	now     func() time.Time
}

func New(store Store, slicing map[domain.JobType]config.SliceConfig) *Registry {
	return &Registry{store: store, slicing: slicing, now: time.Now}
}

// ListEnabled returns enabled definitions, highest priority first. Invalid
// definitions are returned with Err set rather than failing the whole list.
func (r *Registry) ListEnabled(ctx context.Context) ([]Entry, error) {
	defs, err := r.store.ListEnabledDefinitions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled definitions")
	}
	entries := make([]Entry, 0, len(defs))
	for _, d := range defs {
		e := Entry{Definition: d}
		if err := r.validate(d); err != nil {
			e.Err = err
			log.Warn().Str("job_def_id", d.ID).Str("symbol", d.Symbol).Err(err).Msg("skipping invalid definition")
		} else {
			e.Slicing = r.slicing[d.JobType]
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Registry) validate(d domain.JobDefinition) error {
	err := Validate(d)
	if err == nil {
		if _, ok := r.slicing[d.JobType]; !ok {
			err = errors.Newf("no slicing configured for job type %q", d.JobType)
		}
	}
	if err != nil {
		return domain.Mark(errors.WithDetailf(err, "definition %s", d.ID), domain.ErrConfig)
	}
	return nil
}

// Validate checks a definition independently of any configuration.
func Validate(d domain.JobDefinition) error {
	if strings.TrimSpace(d.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if _, err := domain.ParseJobType(string(d.JobType)); err != nil {
		return err
	}
	if _, err := domain.ParseTimeframe(string(d.Timeframe)); err != nil {
		return err
	}
	if d.WindowDays <= 0 {
		return errors.Newf("window_days must be positive, got %d", d.WindowDays)
	}
	return nil
}

func (r *Registry) Upsert(ctx context.Context, d domain.JobDefinition) (string, error) {
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	if err := r.validate(d); err != nil {
		return "", err
	}
	return r.store.UpsertDefinition(ctx, d, r.now())
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.store.SetDefinitionEnabled(ctx, id, enabled, r.now())
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteDefinition(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]domain.JobDefinition, error) {
	return r.store.ListDefinitions(ctx)
}

func (r *Registry) Get(ctx context.Context, id string) (domain.JobDefinition, error) {
	return r.store.GetDefinition(ctx, id)
}

type definitionFile struct {
	Definitions []fileDefinition `yaml:"definitions"`
}

type fileDefinition struct {
	Symbol     string `yaml:"symbol"`
	Timeframe  string `yaml:"timeframe"`
	JobType    string `yaml:"job_type"`
	WindowDays int    `yaml:"window_days"`
	Priority   int    `yaml:"priority"`
	Enabled    *bool  `yaml:"enabled"`
}

// ImportFile upserts every definition in a YAML file. The whole file is
// validated before anything is written. Omitted enabled defaults to true.
func (r *Registry) ImportFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read definitions file %s", path)
	}
	var f definitionFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, domain.Mark(errors.Wrapf(err, "parse definitions file %s", path), domain.ErrConfig)
	}

	defs := make([]domain.JobDefinition, 0, len(f.Definitions))
	for i, fd := range f.Definitions {
		d := domain.JobDefinition{
			Symbol:     strings.ToUpper(strings.TrimSpace(fd.Symbol)),
			Timeframe:  domain.Timeframe(fd.Timeframe),
			JobType:    domain.JobType(fd.JobType),
			WindowDays: fd.WindowDays,
			Priority:   fd.Priority,
			Enabled:    fd.Enabled == nil || *fd.Enabled,
		}
		if err := r.validate(d); err != nil {
			return 0, errors.Wrapf(err, "%s: definitions[%d]", path, i)
		}
		defs = append(defs, d)
	}

	for i, d := range defs {
		id, err := r.store.UpsertDefinition(ctx, d, r.now())
		if err != nil {
			return i, err
		}
		log.Info().Str("job_def_id", id).Str("symbol", d.Symbol).Str("timeframe", string(d.Timeframe)).
			Str("job_type", string(d.JobType)).Msg("definition imported")
	}
	return len(defs), nil
}
