package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"edgerouter/internal/isr"
	"edgerouter/internal/manifest"
	"edgerouter/internal/queue"
	"edgerouter/internal/store"
)

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and the routing manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			m, err := manifest.Load(cfg.Server.Manifest)
			if err != nil {
				return fmt.Errorf("load manifest %s: %w", cfg.Server.Manifest, err)
			}
			fmt.Printf("config:     %s\n", *configPath)
			fmt.Printf("origin:     %s\n", cfg.Server.Origin)
			fmt.Printf("build:      %s\n", m.BuildID)
			fmt.Printf("routes:     %d static, %d dynamic\n", len(m.Routes.Static), len(m.Routes.Dynamic))
			fmt.Printf("redirects:  %d\n", len(m.Redirects))
			fmt.Printf("rewrites:   %d before, %d after, %d fallback\n",
				len(m.Rewrites.BeforeFiles), len(m.Rewrites.AfterFiles), len(m.Rewrites.Fallback))
			fmt.Printf("prerender:  %d paths, %d dynamic\n", len(m.PrerenderedPaths()), len(m.Prerender.DynamicRoutes))
			fmt.Printf("storage:    %s, tags: %s, queue: %s (%d shards)\n", cfg.Storage.Kind, cfg.Tags.Kind, cfg.Queue.Kind, cfg.Queue.Shards)
			return nil
		},
	}
}

func shardCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shard <path>...",
		Short: "Print the cache key and revalidation partition of paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			m, err := manifest.Load(cfg.Server.Manifest)
			if err != nil {
				return err
			}
			ic := isr.New(m, nil, nil, nil, isr.WithShards(cfg.Queue.Shards))
			for _, p := range args {
				key := ic.CacheKey(p)
				fmt.Printf("%s\tkey=%s\tpartition=%s\n", p, key, queue.PartitionKey(queue.Shard(key, cfg.Queue.Shards)))
			}
			return nil
		},
	}
}

func revalidateTagCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revalidate-tag <tag>...",
		Short: "Mark cache tags as revalidated in the sqlite tag store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Tags.Kind != "sqlite" {
				return fmt.Errorf("tags.kind is %q; use POST /_edge/revalidate on the running server", cfg.Tags.Kind)
			}
			ts, err := store.NewSQLiteTagStore(cfg.Tags.Path)
			if err != nil {
				return err
			}
			defer ts.Close()
			if err := ts.RevalidateTags(cmd.Context(), args, time.Now()); err != nil {
				return err
			}
			fmt.Printf("revalidated %d tag(s)\n", len(args))
			return nil
		},
	}
}
