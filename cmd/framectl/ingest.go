package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"frame-index-go/internal/model"

	"github.com/spf13/cobra"
)

// manifest 是 ingest --manifest 读取的文件：可以是 item 数组，
// 也可以是 {"items": [...], 入库参数...} 对象。
type manifest struct {
	Items []model.ItemDescriptor `json:"items"`
	model.IngestOptions
}

func readManifest(path string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &m.Items)
	} else {
		err = json.Unmarshal(trimmed, &m)
	}
	if err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

func newIngestCmd(cc *cliContext) *cobra.Command {
	var (
		manifestPath  string
		uploadDir     string
		group         string
		parallel      bool
		maxConcurrent int
		async         bool
		replace       bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest frames from a manifest and/or an image directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if manifestPath == "" && uploadDir == "" {
				return errors.New("one of --manifest or --upload-dir is required")
			}
			ctx := cmd.Context()

			var m manifest
			if manifestPath != "" {
				var err error
				if m, err = readManifest(manifestPath); err != nil {
					return err
				}
			}

			a, err := cc.wire(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if uploadDir != "" {
				uploaded, err := a.Upload.UploadDir(ctx, uploadDir, group)
				if err != nil {
					return fmt.Errorf("upload %s: %w", uploadDir, err)
				}
				m.Items = append(m.Items, uploaded...)
			}
			if len(m.Items) == 0 {
				return errors.New("nothing to ingest")
			}

			opts := m.IngestOptions
			if parallel {
				opts.Mode = model.IngestParallel
			}
			if maxConcurrent > 0 {
				opts.MaxConcurrent = maxConcurrent
			}
			if replace {
				opts.Replace = true
			}

			if async {
				taskID, err := a.Ingest.Enqueue(ctx, m.Items, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %s enqueued (%d items)\n", taskID, len(m.Items))
				return nil
			}

			results := a.Ingest.IngestBatch(ctx, m.Items, opts)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if !r.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d items failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "JSON manifest of item descriptors")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", "", "upload every frame image in this directory to MinIO and ingest it")
	cmd.Flags().StringVar(&group, "group", model.DefaultGroup, "group for frames at the root of --upload-dir")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "ingest items concurrently in bounded batches")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "batch size for --parallel (default from config)")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue a Kafka task instead of ingesting in-process")
	cmd.Flags().BoolVar(&replace, "replace", false, "delete existing items before re-ingesting")
	return cmd
}
