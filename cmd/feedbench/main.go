package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/internal/app"
	"github.com/d60-Lab/feedsync/internal/service"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

// 测量 create -> 快照送达 的端到端延迟，以及带附件 create / replace / delete 的耗时
func main() {
	cfg := must(config.Load())
	ctx := context.Background()
	a := must(app.New(ctx, cfg))
	defer a.Close()

	POSTS := envInt("POSTS", 200)          // posts to create
	ASSET := envInt("ASSET_BYTES", 64<<10) // asset size for the asset phase
	ASSETS := envInt("ASSETS", 20)         // posts created with an asset

	// clean tables for a reproducible run (ok for local bench)
	_ = a.DB.Exec("DELETE FROM " + cfg.Feed.Collection).Error
	_ = a.DB.Exec("DELETE FROM intents").Error

	actor := service.Actor{ID: "bench", DisplayName: "bench"}
	sub := must(a.Subscriptions.Open(ctx, "bench", service.ByAuthor(actor.ID), 0))
	defer sub.Cancel()
	_ = must(sub.Next(ctx)) // initial snapshot

	// create -> delivery
	createLat := make([]time.Duration, 0, POSTS)
	deliverLat := make([]time.Duration, 0, POSTS)
	for i := 0; i < POSTS; i++ {
		st := time.Now()
		e, err := a.Coordinator.CreatePost(ctx, actor, fmt.Sprintf("hello %d", i), nil, service.Confirmed)
		if err != nil {
			panic(err)
		}
		createLat = append(createLat, time.Since(st))

		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		for {
			snap, err := sub.Next(wctx)
			if err != nil {
				cancel()
				fmt.Printf("timeout waiting for post %s: %v\n", e.ID, err)
				goto ASSETS
			}
			if len(snap.Docs) > 0 && snap.Docs[0].ID == e.ID {
				break
			}
		}
		cancel()
		deliverLat = append(deliverLat, time.Since(st))
	}

ASSETS:
	// asset lifecycle
	img := make([]byte, ASSET)
	copy(img, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	var withAsset, replaceLat, deleteLat []time.Duration
	for i := 0; i < ASSETS; i++ {
		st := time.Now()
		e, err := a.Coordinator.CreatePost(ctx, actor, fmt.Sprintf("pic %d", i), img, service.Confirmed)
		if err != nil {
			panic(err)
		}
		withAsset = append(withAsset, time.Since(st))

		img[len(img)-1] = byte(i)
		st = time.Now()
		if _, err := a.Coordinator.EditPost(ctx, actor, e.ID, e.Body, service.ReplaceAsset(img), service.Confirmed); err != nil {
			panic(err)
		}
		replaceLat = append(replaceLat, time.Since(st))

		st = time.Now()
		if err := a.Coordinator.DeletePost(ctx, actor, e.ID, true, service.Confirmed); err != nil {
			panic(err)
		}
		deleteLat = append(deleteLat, time.Since(st))
	}

	// output
	fmt.Printf("POSTS=%d ASSETS=%d ASSET_BYTES=%d driver=%s\n", POSTS, ASSETS, ASSET, cfg.Database.Driver)
	fmt.Printf("Create (no asset): avg=%v p95=%v p99=%v\n", avg(createLat), pct(createLat, 0.95), pct(createLat, 0.99))
	fmt.Printf("Create -> snapshot delivered: samples=%d avg=%v p95=%v p99=%v\n", len(deliverLat), avg(deliverLat), pct(deliverLat, 0.95), pct(deliverLat, 0.99))
	fmt.Printf("Create with asset: avg=%v p95=%v\n", avg(withAsset), pct(withAsset, 0.95))
	fmt.Printf("Replace asset: avg=%v p95=%v\n", avg(replaceLat), pct(replaceLat, 0.95))
	fmt.Printf("Delete with asset: avg=%v p95=%v\n", avg(deleteLat), pct(deleteLat, 0.95))

	left, _ := a.Intents.List(ctx, "pending", 0)
	fmt.Printf("Pending intents after run: %d\n", len(left))
}
