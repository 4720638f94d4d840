package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ragengine/internal/apiclient"
	"ragengine/internal/models"
)

var (
	uploadCollection string
	uploadID         string
	uploadFormat     string
	uploadWait       bool
	pollInterval     time.Duration

	listCollection string
	listStatus     string

	backfillMode string
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file...]",
	Short: "Upload documents for ingestion",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpload,
}

var statusCmd = &cobra.Command{
	Use:   "status [document-id]",
	Short: "Show a document's ingestion status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [document-id]",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("deleted %s\n", args[0])
		return nil
	},
}

var reingestCmd = &cobra.Command{
	Use:   "reingest [document-id]",
	Short: "Re-run ingestion for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acc, err := client.Reingest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !uploadWait {
			cmd.Printf("%s queued\n", acc.DocumentID)
			return nil
		}
		// the record may still read indexed before the run claims it
		time.Sleep(pollInterval)
		return waitFor(cmd, acc.DocumentID)
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill [collection]",
	Short: "Re-ingest failed documents or a whole collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := client.Backfill(cmd.Context(), args[0], backfillMode)
		if err != nil {
			return err
		}
		cmd.Printf("backfill %s started: %s\n", backfillMode, runID)
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadCollection, "collection", "c", "", "target collection (server default when empty)")
	uploadCmd.Flags().StringVar(&uploadID, "id", "", "document id (derived from collection and filename when empty)")
	uploadCmd.Flags().StringVar(&uploadFormat, "format", "", "override format detection (txt, md, pdf, docx, html)")
	for _, c := range []*cobra.Command{uploadCmd, reingestCmd} {
		c.Flags().BoolVarP(&uploadWait, "wait", "w", false, "wait until ingestion finishes")
		c.Flags().DurationVar(&pollInterval, "poll", time.Second, "status poll interval with --wait")
	}
	listCmd.Flags().StringVarP(&listCollection, "collection", "c", "", "only documents in this collection")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only documents with this status")
	backfillCmd.Flags().StringVar(&backfillMode, "mode", "RETRY_FAILED", "RETRY_FAILED or REINDEX_ALL")

	rootCmd.AddCommand(uploadCmd, statusCmd, listCmd, deleteCmd, reingestCmd, backfillCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	if uploadID != "" && len(args) > 1 {
		return errors.New("--id can only be used with a single file")
	}
	var failed int
	for _, path := range args {
		acc, err := client.Upload(cmd.Context(), path, apiclient.UploadOptions{
			Collection: uploadCollection,
			DocumentID: uploadID,
			Format:     uploadFormat,
		})
		if err != nil {
			cmd.PrintErrf("%s: %v\n", path, err)
			failed++
			continue
		}
		if outputJSON {
			if err := printJSON(cmd, acc); err != nil {
				return err
			}
		} else {
			cmd.Printf("%s -> %s (%s)\n", path, acc.DocumentID, acc.Status)
		}
		if uploadWait && acc.Status == string(models.StatusPending) {
			if err := waitFor(cmd, acc.DocumentID); err != nil {
				cmd.PrintErrf("%s: %v\n", path, err)
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(args))
	}
	return nil
}

func waitFor(cmd *cobra.Command, id string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		st, err := client.Document(ctx, id)
		if err != nil {
			return err
		}
		switch st.Document.Status {
		case models.StatusIndexed:
			cmd.Printf("%s indexed: %d chunks with %s\n", id, st.Document.ChunkCount, st.Document.EmbedModel)
			return nil
		case models.StatusFailed:
			return fmt.Errorf("%s failed at %s: %s", id, st.Document.FailStage, st.Document.FailReason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := client.Document(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, st)
	}
	d := st.Document
	cmd.Printf("document:   %s\n", d.DocumentID)
	cmd.Printf("filename:   %s (%s, %d bytes)\n", d.Filename, d.Format, d.SizeBytes)
	cmd.Printf("collection: %s\n", d.Collection)
	cmd.Printf("status:     %s\n", d.Status)
	if d.Status == models.StatusIndexed {
		cmd.Printf("chunks:     %d (%s)\n", d.ChunkCount, d.EmbedModel)
	}
	if d.Status == models.StatusFailed {
		cmd.Printf("failed at:  %s: %s\n", d.FailStage, d.FailReason)
	}
	if st.Workflow != nil {
		cmd.Printf("workflow:   %s (%s)\n", st.Workflow.Status, st.Workflow.CurrentStep)
	}
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	docs, err := client.List(cmd.Context(), listCollection, models.DocumentStatus(listStatus))
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, docs)
	}
	if len(docs) == 0 {
		cmd.Println("No documents found.")
		return nil
	}
	for _, d := range docs {
		cmd.Printf("%-34s %-10s %5d  %s/%s\n", d.DocumentID, d.Status, d.ChunkCount, d.Collection, d.Filename)
	}
	return nil
}
