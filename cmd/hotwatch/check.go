package main

import (
	"context"
	"fmt"
	"time"

	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/watcher"
)

// result is the outcome of checking one reload candidate.
type result struct {
	req     watcher.ReloadRequest
	checked time.Time
	took    time.Duration
	err     error
}

func (r result) String() string {
	status := "ok"
	if r.err != nil {
		status = r.err.Error()
	}
	return fmt.Sprintf("%s %08x %s", r.req.CandidatePath, r.req.Checksum, status)
}

// checker loads every candidate the way the engine would, initialises it
// and unloads it again, so a broken build is reported before it reaches a
// running engine.
type checker struct {
	loader module.Loader
}

func (c *checker) check(ctx context.Context, req watcher.ReloadRequest) result {
	start := time.Now()
	res := result{req: req, checked: start}
	if c.loader == nil {
		res.took = time.Since(start)
		return res
	}
	m, err := c.loader.Load(ctx, req.CandidatePath)
	if err != nil {
		res.err = err
		res.took = time.Since(start)
		return res
	}
	if a, ok := m.(module.Artifact); ok {
		res.req.Checksum = a.Checksum()
	}
	if err := m.Init(ctx); err != nil {
		res.err = fmt.Errorf("init: %w", err)
	} else if err := m.Teardown(ctx); err != nil {
		res.err = fmt.Errorf("teardown: %w", err)
	}
	if err := m.Close(ctx); err != nil && res.err == nil {
		res.err = fmt.Errorf("close: %w", err)
	}
	res.took = time.Since(start)
	return res
}
