// FILE: params.go
// Package main – Strategy parameters (YAML, hot-reloaded).
//
// The flat parameter set lives in PARAMS_FILE and is read with viper. Every
// key has a default, so an empty file is a valid (if conservative) config.
// Validation runs through struct tags (go-playground/validator) plus a few
// cross-field rules in compile().
//
// Hot reload: ParamsStore.Watch registers a viper/fsnotify watcher. A changed
// file is decoded and validated off the evaluation goroutine, then handed to the
// callback (Engine.SetParams swaps an atomic pointer). Broken edits are logged
// and ignored; the previous params stay live.
package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConditionParams are the per-condition knobs.
type ConditionParams struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	ProfitTakePct float64       `mapstructure:"profitTakePct" yaml:"profitTakePct" validate:"gt=0"`
	StopLossX     float64       `mapstructure:"stopLossX" yaml:"stopLossX" validate:"gte=0"`
	StopLossY     float64       `mapstructure:"stopLossY" yaml:"stopLossY" validate:"gt=0"`
	Cooldown      time.Duration `mapstructure:"cooldown" yaml:"cooldown" validate:"gte=0"`
}

// Params is the flat strategy parameter set.
type Params struct {
	// Triggers
	P1 float64 `mapstructure:"p1" yaml:"p1" validate:"gt=0"`
	P2 float64 `mapstructure:"p2" yaml:"p2" validate:"gt=0"`
	P3 float64 `mapstructure:"p3" yaml:"p3" validate:"gt=0"`

	// VWAP gate: hard fire threshold vwapPct; soft cancel threshold vwapPct-vwapSoftMargin
	VWAPPct        float64 `mapstructure:"vwapPct" yaml:"vwapPct" validate:"gte=0"`
	VWAPSoftMargin float64 `mapstructure:"vwapSoftMargin" yaml:"vwapSoftMargin" validate:"gte=0"`

	// Rally
	RallyXMin               float64       `mapstructure:"rallyXMin" yaml:"rallyXMin" validate:"gte=0,ltefield=RallyXMax"`
	RallyXMax               float64       `mapstructure:"rallyXMax" yaml:"rallyXMax" validate:"gt=0"`
	RallyYMin               float64       `mapstructure:"rallyYMin" yaml:"rallyYMin" validate:"gte=0"`
	TimeConstraintThreshold float64       `mapstructure:"timeConstraintThreshold" yaml:"timeConstraintThreshold" validate:"gte=0"`
	MinDurationMinutes      float64       `mapstructure:"minDurationMinutes" yaml:"minDurationMinutes" validate:"gte=0"`
	DrawdownWindow          time.Duration `mapstructure:"drawdownWindow" yaml:"drawdownWindow" validate:"gt=0"`

	// Orders
	SharesToSell          float64 `mapstructure:"sharesToSell" yaml:"sharesToSell" validate:"gt=0,lte=100"`
	StopLossPct           float64 `mapstructure:"stopLossPct" yaml:"stopLossPct" validate:"gt=0"`
	OffsetPct             float64 `mapstructure:"offsetPct" yaml:"offsetPct" validate:"gt=0"`
	Cond3OffsetPct        float64 `mapstructure:"cond3OffsetPct" yaml:"cond3OffsetPct" validate:"gt=0"`
	InvalidationMarginPct float64 `mapstructure:"invalidationMarginPct" yaml:"invalidationMarginPct" validate:"gte=0"`

	// Sizing & risk
	CashPct         float64 `mapstructure:"cashPct" yaml:"cashPct" validate:"gt=0,lte=100"`
	MaxCapitalPct   float64 `mapstructure:"maxCapitalPct" yaml:"maxCapitalPct" validate:"gt=0"`
	MaxDailyPnL     float64 `mapstructure:"maxDailyPnL" yaml:"maxDailyPnL" validate:"gt=0"`
	MaxDailyLossPct float64 `mapstructure:"maxDailyLossPct" yaml:"maxDailyLossPct" validate:"gte=0"`

	// Timing
	SameSymbolCooldown time.Duration `mapstructure:"sameSymbolCooldown" yaml:"sameSymbolCooldown" validate:"gte=0"`
	Action1Time        time.Duration `mapstructure:"action1Time" yaml:"action1Time" validate:"gte=0"`
	Action2Time        time.Duration `mapstructure:"action2Time" yaml:"action2Time" validate:"gte=0"`
	GuardStart         string        `mapstructure:"guardStart" yaml:"guardStart" validate:"required"`
	GuardEnd           string        `mapstructure:"guardEnd" yaml:"guardEnd" validate:"required"`
	EODCutoff          string        `mapstructure:"eodCutoff" yaml:"eodCutoff" validate:"required"`
	TrailInterval      time.Duration `mapstructure:"trailInterval" yaml:"trailInterval" validate:"gt=0"`
	CheckInterval      time.Duration `mapstructure:"checkInterval" yaml:"checkInterval" validate:"gt=0"`

	// Eligibility (0 disables a check)
	SharpMovementBars   int     `mapstructure:"sharpMovementBars" yaml:"sharpMovementBars" validate:"gte=1"`
	MaxSharpMovementPct float64 `mapstructure:"maxSharpMovementPct" yaml:"maxSharpMovementPct" validate:"gte=0"`
	MaxRangeMultiplier  float64 `mapstructure:"maxRangeMultiplier" yaml:"maxRangeMultiplier" validate:"gte=0"`
	MinLiquidity        float64 `mapstructure:"minLiquidity" yaml:"minLiquidity" validate:"gte=0"`
	MaxGapPct           float64 `mapstructure:"maxGapPct" yaml:"maxGapPct" validate:"gte=0"`

	Conditions map[string]ConditionParams `mapstructure:"conditions" yaml:"conditions" validate:"required,dive"`

	guardStartMin int
	guardEndMin   int
	eodCutoffMin  int
}

var paramsValidate = validator.New()

func setParamDefaults(v *viper.Viper) {
	v.SetDefault("p1", 120.0)
	v.SetDefault("p2", 100.0)
	v.SetDefault("p3", 150.0)
	v.SetDefault("vwapPct", 55.0)
	v.SetDefault("vwapSoftMargin", 10.0)

	v.SetDefault("rallyXMin", 0.25)
	v.SetDefault("rallyXMax", 0.85)
	v.SetDefault("rallyYMin", 0.1)
	v.SetDefault("timeConstraintThreshold", 1.5)
	v.SetDefault("minDurationMinutes", 10.0)
	v.SetDefault("drawdownWindow", "30m")

	v.SetDefault("sharesToSell", 100.0)
	v.SetDefault("stopLossPct", 50.0)
	v.SetDefault("offsetPct", 10.0)
	v.SetDefault("cond3OffsetPct", 0.2)
	v.SetDefault("invalidationMarginPct", 25.0)

	v.SetDefault("cashPct", 10.0)
	v.SetDefault("maxCapitalPct", 50.0)
	v.SetDefault("maxDailyPnL", 1.0)
	v.SetDefault("maxDailyLossPct", 0.0)

	v.SetDefault("sameSymbolCooldown", "30m")
	v.SetDefault("action1Time", "60m")
	v.SetDefault("action2Time", "120m")
	v.SetDefault("guardStart", "09:45")
	v.SetDefault("guardEnd", "15:30")
	v.SetDefault("eodCutoff", "15:55")
	v.SetDefault("trailInterval", "15s")
	v.SetDefault("checkInterval", "15s")

	v.SetDefault("sharpMovementBars", 8)
	v.SetDefault("maxSharpMovementPct", 0.0)
	v.SetDefault("maxRangeMultiplier", 3.0)
	v.SetDefault("minLiquidity", 0.0)
	v.SetDefault("maxGapPct", 0.0)

	for _, id := range allConditions {
		k := "conditions." + id.String()
		v.SetDefault(k+".enabled", true)
		v.SetDefault(k+".profitTakePct", 50.0)
		v.SetDefault(k+".stopLossX", 5.0)
		v.SetDefault(k+".stopLossY", 0.5)
		v.SetDefault(k+".cooldown", "20m")
	}
}

// DefaultParams returns the validated defaults.
func DefaultParams() *Params {
	v := viper.New()
	setParamDefaults(v)
	p, err := decodeParams(v)
	if err != nil {
		panic(fmt.Sprintf("default params invalid: %v", err))
	}
	return p
}

func decodeParams(v *viper.Viper) (*Params, error) {
	var p Params
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

// compile validates p and fills the derived clock fields.
func (p *Params) compile() error {
	if err := paramsValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	var errs []error
	var err error
	if p.guardStartMin, err = parseClock(p.GuardStart); err != nil {
		errs = append(errs, fmt.Errorf("guardStart: %w", err))
	}
	if p.guardEndMin, err = parseClock(p.GuardEnd); err != nil {
		errs = append(errs, fmt.Errorf("guardEnd: %w", err))
	}
	if p.eodCutoffMin, err = parseClock(p.EODCutoff); err != nil {
		errs = append(errs, fmt.Errorf("eodCutoff: %w", err))
	}
	if len(errs) == 0 {
		if p.guardStartMin >= p.guardEndMin {
			errs = append(errs, errors.New("guardStart must be before guardEnd"))
		}
		if p.guardEndMin > p.eodCutoffMin {
			errs = append(errs, errors.New("guardEnd must not be after eodCutoff"))
		}
	}
	if p.Action2Time > 0 && p.Action1Time >= p.Action2Time {
		errs = append(errs, errors.New("action1Time must be before action2Time"))
	}
	for _, id := range allConditions {
		if _, ok := p.Conditions[id.String()]; !ok {
			errs = append(errs, fmt.Errorf("conditions.%s missing", id))
		}
	}
	return errors.Join(errs...)
}

// Cond returns the knobs for id. A missing entry reads as disabled.
func (p *Params) Cond(id ConditionID) ConditionParams {
	return p.Conditions[id.String()]
}

// ParamsStore owns the params file and the live Params pointer.
type ParamsStore struct {
	path string
	v    *viper.Viper
	cur  atomic.Pointer[Params]
	mu   sync.Mutex
}

// LoadParams reads and validates path. A missing file is an error: the
// operator must say which params the engine runs with.
func LoadParams(path string) (*ParamsStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setParamDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read params %s: %w", path, err)
	}
	p, err := decodeParams(v)
	if err != nil {
		return nil, err
	}
	s := &ParamsStore{path: path, v: v}
	s.cur.Store(p)
	return s, nil
}

func (s *ParamsStore) Current() *Params { return s.cur.Load() }

// Watch re-decodes the file on every change and calls onChange with the new,
// validated params.
func (s *ParamsStore) Watch(onChange func(*Params)) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, err := decodeParams(s.v)
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("params reload rejected, keeping previous")
			IncParamsReload("rejected")
			return
		}
		s.cur.Store(p)
		IncParamsReload("applied")
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("params reloaded")
		if onChange != nil {
			onChange(p)
		}
	})
	s.v.WatchConfig()
}

// writeParamsYAML dumps p in the file format LoadParams reads.
func writeParamsYAML(w io.Writer, p *Params) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}

// inGuardWindow reports whether now lies inside [guardStart, guardEnd).
func (p *Params) inGuardWindow(s Session, now time.Time) bool {
	m := s.minuteOfDay(now)
	return m >= p.guardStartMin && m < p.guardEndMin
}

func (p *Params) eodReached(s Session, now time.Time) bool {
	return s.minuteOfDay(now) >= p.eodCutoffMin
}

func (p *Params) String() string {
	var b strings.Builder
	_ = writeParamsYAML(&b, p)
	return b.String()
}
