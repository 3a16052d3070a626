package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/runbroker/runbroker"
)

type command struct {
	out io.Writer
}

// openBroker loads the config and assembles the broker every data command
// works against. The CLI registers no handlers of its own, so commands that
// retrieve payloads need the embedding service; everything metadata-level
// works standalone.
func (c *command) openBroker(ctx context.Context, configPath string) (*runbroker.Broker, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config file required. Use --config=runbroker.toml")
	}
	fc, err := runbroker.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return runbroker.OpenFromConfig(ctx, fc)
}

// Info prints a run summary: start, stop, stream names and resources.
func (c *command) Info(f InfoFlags, configPath string) error {
	ctx := context.Background()
	b, err := c.openBroker(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	run, err := b.Get(ctx, runbroker.ParseKey(f.Run))
	if err != nil {
		return err
	}
	stop, err := run.Stop(ctx)
	if err != nil {
		return err
	}
	streams, err := run.Streams(ctx)
	if err != nil {
		return err
	}
	resources, err := run.Resources(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, map[string]any{
		"start":     run.Start(),
		"stop":      stop,
		"streams":   streams,
		"resources": resources,
	})
	return nil
}

// Documents dumps a run's documents in canonical order, one pair per line.
// The output round-trips through the [runs] config section.
func (c *command) Documents(f DocumentsFlags, configPath string) error {
	ctx := context.Background()
	b, err := c.openBroker(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	run, err := b.Get(ctx, runbroker.ParseKey(f.Run))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	for pr, err := range run.Documents(ctx, f.Fill) {
		if err != nil {
			return err
		}
		if err := enc.Encode(pr); err != nil {
			return err
		}
	}
	return nil
}

// Partitions prints the partition count of a run, or one partition's
// documents when an index is given.
func (c *command) Partitions(f PartitionsFlags, configPath string) error {
	ctx := context.Background()
	b, err := c.openBroker(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	run, err := b.Get(ctx, runbroker.ParseKey(f.Run))
	if err != nil {
		return err
	}
	pt := run.Partitioner()
	if err := pt.Build(ctx); err != nil {
		return err
	}
	if f.Index < 0 {
		printJSON(c.out, map[string]int{"count": pt.Count()})
		return nil
	}
	part, err := pt.Partition(ctx, f.Index, f.Fill)
	if err != nil {
		return err
	}
	printJSON(c.out, part)
	return nil
}

// History prints a resource's audit trail, oldest first.
func (c *command) History(f HistoryFlags, configPath string) error {
	ctx := context.Background()
	b, err := c.openBroker(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	updates := make([]runbroker.ResourceUpdate, 0)
	for u, err := range b.Registry.History(ctx, f.UID) {
		if err != nil {
			return err
		}
		updates = append(updates, u)
	}
	printJSON(c.out, updates)
	return nil
}

// ShiftRoot moves path segments between a resource's root and resource_path
// and prints the updated resource.
func (c *command) ShiftRoot(f ShiftRootFlags, configPath string) error {
	ctx := context.Background()
	b, err := c.openBroker(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	res, err := b.Assets.GetResource(ctx, f.UID)
	if err != nil {
		return err
	}
	updated, err := b.Registry.ShiftRoot(ctx, res, f.Shift)
	if err != nil {
		return err
	}
	printJSON(c.out, updated)
	return nil
}

// CorrectRoot replaces a resource's root outright and prints the updated
// resource.
func (c *command) CorrectRoot(f CorrectRootFlags, configPath string) error {
	ctx := context.Background()
	b, err := c.openBroker(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	res, err := b.Assets.GetResource(ctx, f.UID)
	if err != nil {
		return err
	}
	updated, err := b.Registry.CorrectRoot(ctx, res, f.Root)
	if err != nil {
		return err
	}
	printJSON(c.out, updated)
	return nil
}

// MoveFiles relocates a resource's files under a new root, reporting each
// copy, and prints the old/new path pairs.
func (c *command) MoveFiles(f MoveFilesFlags, configPath string) error {
	ctx := context.Background()
	b, err := c.openBroker(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	res, err := b.Assets.GetResource(ctx, f.UID)
	if err != nil {
		return err
	}
	progress := func(i, total int, oldPath, newPath string) error {
		_, err := fmt.Fprintf(c.out, "[%d/%d] %s -> %s\n", i+1, total, oldPath, newPath)
		return err
	}
	pairs, err := b.Registry.MoveFiles(ctx, res, f.Dest, progress, f.RemoveOrigin)
	if err != nil {
		return err
	}
	printJSON(c.out, pairs)
	return nil
}
