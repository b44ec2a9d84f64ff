package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "storenotify/pkg/logx"
)

// Sweep is a periodic job.
type Sweep struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs sweeps on cron specs. Runs of one sweep never overlap and
// a panicking run is recovered.
type Scheduler struct {
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	ctx    context.Context
	c      *cron.Cron
	sweeps map[string]Sweep
}

func NewScheduler(ctx context.Context, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:    ctx,
		sweeps: map[string]Sweep{},
	}
}

// cronLogger adapts logx to cron's logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// Set replaces all sweeps and restarts the cron engine. Sweeps with an
// empty spec are disabled.
func (s *Scheduler) Set(sweeps []Sweep) error {
	next := make(map[string]Sweep, len(sweeps))
	for _, sw := range sweeps {
		sw.Spec = strings.TrimSpace(sw.Spec)
		if sw.Spec == "" || sw.Run == nil {
			continue
		}
		if _, err := s.parser.Parse(sw.Spec); err != nil {
			return fmt.Errorf("sweep %s: invalid schedule %q: %w", sw.Name, sw.Spec, err)
		}
		next[sw.Name] = sw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = next
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.restartLocked()
	}
}

func (s *Scheduler) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	for _, sw := range s.sweeps {
		if err := s.addLocked(sw); err != nil {
			s.log.Warn("sweep not scheduled", logx.String("sweep", sw.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("sweeps", len(s.sweeps)))
}

func (s *Scheduler) addLocked(sw Sweep) error {
	job := cron.FuncJob(func() { s.run(sw) })
	if strings.HasPrefix(sw.Spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(sw.Spec, "@every")))
		if err == nil && every > 0 {
			sched, jitter := spreadInterval(every, time.Now(), sw.Name)
			s.c.Schedule(sched, job)
			s.log.Debug("sweep scheduled", logx.String("sweep", sw.Name), logx.String("spec", sw.Spec), logx.Duration("startup_spread", jitter))
			return nil
		}
	}
	_, err := s.c.AddJob(sw.Spec, job)
	return err
}

func (s *Scheduler) run(sw Sweep) {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}
	if sw.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sw.Timeout)
		defer cancel()
	}
	started := time.Now()
	if err := sw.Run(ctx); err != nil {
		s.log.Warn("sweep failed", logx.String("sweep", sw.Name), logx.Duration("took", time.Since(started)), logx.Err(err))
		return
	}
	s.log.Debug("sweep done", logx.String("sweep", sw.Name), logx.Duration("took", time.Since(started)))
}

// RunNow runs a sweep immediately in the caller's goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	sw, ok := s.sweeps[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sweep %q not scheduled", name)
	}
	return sw.Run(s.ctx)
}

// Stop halts the cron engine and waits for running sweeps.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
