package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/notargets/haloremap/arena"
	"github.com/notargets/haloremap/config"
	"github.com/notargets/haloremap/exchange"
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/nonlocal"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/runner"
	"github.com/notargets/haloremap/tags"
	"github.com/notargets/haloremap/transport"
	"github.com/notargets/haloremap/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"io"
	"net/http"
	"text/tabwriter"
	"time"
)

// RankResult summarises one rank's run
type RankResult struct {
	Rank      int
	Patches   int
	Checksum  float64
	BytesSent int
}

// initialValue seeds valid cells so every ghost value identifies its source
func initialValue(_ int, p geometry.IntVect, n int) float64 {
	return float64(n+1)*1e6 + float64(p[0])*1e3 + float64(p[1]) + float64(p[2])*1e-3
}

func buildLayout(cfg *config.Config) (*partitions.PartitionLayout, error) {
	pb := &partitions.PartitionBuilder{
		Domain:        cfg.DomainBox(),
		MaxPatchSize:  cfg.PatchSize(),
		NumPartitions: cfg.Ranks,
		Strategy:      cfg.PartitionStrategy(),
	}
	return pb.BuildPartitions()
}

func fillKind(fill string) tags.Kind {
	switch fill {
	case "rotate180":
		return tags.RB180
	case "polar":
		return tags.PolarB
	}
	return tags.RB90
}

// newStrategy returns the data mover; the occa runner is shared by every
// in-process rank and must be freed by the caller
func newStrategy(cfg *config.Config) (exchange.Strategy, func(), error) {
	if cfg.Strategy != "occa" {
		s, err := exchange.NewStrategy(cfg.Strategy, cfg.Workers)
		return s, func() {}, err
	}
	var props []string
	if cfg.OCCADevice != "" {
		props = []string{cfg.OCCADevice}
	}
	device, err := utils.CreateDevice(props...)
	if err != nil {
		return nil, nil, err
	}
	kr, err := runner.NewRunner(device, 0)
	if err != nil {
		device.Free()
		return nil, nil, err
	}
	return kr, func() {
		kr.Free()
		device.Free()
	}, nil
}

// Run executes cfg.Iterations fills, in-process or as one TCP rank
func Run(ctx context.Context, cfg *config.Config) ([]RankResult, error) {
	layout, err := buildLayout(cfg)
	if err != nil {
		return nil, err
	}
	strategy, release, err := newStrategy(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s strategy: %w", cfg.Strategy, err)
	}
	defer release()

	runID := uuid.NewString()
	log.Info().
		Str("run", runID).
		Str("fill", cfg.Fill).
		Str("strategy", strategy.Name()).
		Int("ranks", cfg.Ranks).
		Int("patches", len(layout.Patches)).
		Msg("Starting fill")

	if cfg.Networked() {
		r, err := runNetworkRank(ctx, cfg, layout, strategy)
		if err != nil {
			return nil, err
		}
		return []RankResult{r}, nil
	}

	world := transport.NewWorld(cfg.Ranks)
	defer world.Close()
	results := make([]RankResult, cfg.Ranks)
	var g errgroup.Group
	for r := 0; r < cfg.Ranks; r++ {
		g.Go(func() (err error) {
			results[r], err = runRank(cfg, layout, world.Rank(r), strategy)
			if err != nil {
				// Unblock the ranks still waiting on this one
				world.Close()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runNetworkRank(ctx context.Context, cfg *config.Config, layout *partitions.PartitionLayout, strategy exchange.Strategy) (RankResult, error) {
	rank := cfg.Network.Rank
	nw, err := transport.Listen(rank, cfg.Ranks, cfg.Network.Peers[rank])
	if err != nil {
		return RankResult{}, err
	}
	defer func() {
		if err := nw.Close(); err != nil {
			log.Warn().Err(err).Int("rank", rank).Msg("Failed to close network")
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := nw.Connect(connectCtx, cfg.Network.Peers); err != nil {
		return RankResult{}, fmt.Errorf("failed to connect rank %d: %w", rank, err)
	}
	return runRank(cfg, layout, nw, strategy)
}

// runRank turns any panic raised by the fill into an error naming the rank
func runRank(cfg *config.Config, layout *partitions.PartitionLayout, tr transport.Transport, strategy exchange.Strategy) (res RankResult, err error) {
	rank := tr.Rank()
	defer func() {
		if p := recover(); p != nil {
			if perr, ok := p.(error); ok {
				err = fmt.Errorf("rank %d: %w", rank, perr)
			} else {
				err = fmt.Errorf("rank %d: %v", rank, p)
			}
		}
	}()

	arr := partitions.AllocatePartitionedArray(layout, rank, cfg.NComp, cfg.GhostWidth())
	arr.FillValid(initialValue)

	ar := arena.New()
	if cfg.ArenaCapacity > 0 {
		ar.SetCapacity(cfg.ArenaKind(), cfg.ArenaCapacity)
	}
	defer ar.Release()

	o := exchange.NewOrchestrator(tr, ar, strategy, cfg.ArenaKind())
	filler := nonlocal.NewFiller(o, tags.NewBuilder(layout, rank), arr)

	domain := cfg.DomainBox()
	for i := 0; i < cfg.Iterations; i++ {
		switch fillKind(cfg.Fill) {
		case tags.RB90:
			filler.Rotate90All(domain)
		case tags.RB180:
			filler.Rotate180All(domain)
		case tags.PolarB:
			filler.FillPolarAll(domain)
		}
	}
	o.Close()

	bundle := filler.Tags.GetTagsFor(fillKind(cfg.Fill), cfg.GhostWidth(), domain)
	sent := 0
	for _, peer := range bundle.SendRanks() {
		sent += bundle.SendCells(peer) * cfg.NComp * 8 * cfg.Iterations
	}
	stats := ar.Stats()
	log.Debug().
		Int("rank", rank).
		Int64("allocs", stats.Allocs).
		Int64("reuses", stats.Reuses).
		Msg("Arena usage")

	return RankResult{
		Rank:      rank,
		Patches:   len(arr.LocalPatches()),
		Checksum:  arr.Checksum(),
		BytesSent: sent,
	}, nil
}

// serveMetrics exposes /metrics on addr until the returned stop is called
func serveMetrics(addr string) (stop func()) {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func describeLayout(w io.Writer, cfg *config.Config) error {
	layout, err := buildLayout(cfg)
	if err != nil {
		return err
	}
	stats := layout.PartitionStatistics()
	fmt.Fprintf(w, "domain %v, %d patches over %d ranks, imbalance %.3f\n",
		layout.Domain, stats.NumPatches, stats.NumPartitions, stats.Imbalance)

	kind := fillKind(cfg.Fill)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "rank\tpatches\tcells\tlocal\tsend to\trecv from")
	for r := 0; r < cfg.Ranks; r++ {
		b := tags.Build(layout, r, tags.Key{Kind: kind, NGhost: cfg.GhostWidth(), Domain: layout.Domain})
		p := layout.Partitions[r]
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%v\t%v\n", r, p.NumPatches, p.NumCells, b.LocalCells(), b.SendRanks(), b.RecvRanks())
	}
	return tw.Flush()
}
