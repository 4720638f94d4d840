package main

import (
	"strings"

	"github.com/spf13/cobra"

	"ragengine/internal/rag"
)

var (
	queryTopK       int
	queryCollection string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question answered from indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Show the chunks most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var collectionCmd = &cobra.Command{
	Use:   "collection [name]",
	Short: "Show collection statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client.Collection(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, stats)
		}
		cmd.Printf("%s: %d chunks from %d documents, %s (%d dims, %s)\n",
			stats.Name, stats.Count, stats.Documents, stats.EmbedModel, stats.Dimension, stats.Metric)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{askCmd, searchCmd} {
		c.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of chunks to retrieve (server default when 0)")
		c.Flags().StringVarP(&queryCollection, "collection", "c", "", "collection to query")
	}
	rootCmd.AddCommand(askCmd, searchCmd, collectionCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ans, err := client.Ask(cmd.Context(), rag.Request{
		Query:      strings.Join(args, " "),
		TopK:       queryTopK,
		Collection: queryCollection,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, ans)
	}
	cmd.Println(ans.Text)
	if !ans.Grounded {
		cmd.Println()
		cmd.Println("(no matching documents; answer is not grounded)")
		return nil
	}
	cmd.Println()
	cmd.Println("Sources:")
	for i, c := range ans.Citations {
		cmd.Printf("  [C%d] %s part %d (%.3f)\n", i+1, c.Filename, c.Seq+1, c.Score)
		if c.Snippet != "" {
			cmd.Printf("       %s\n", c.Snippet)
		}
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	results, err := client.Search(cmd.Context(), rag.Request{
		Query:      strings.Join(args, " "),
		TopK:       queryTopK,
		Collection: queryCollection,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, results)
	}
	if len(results) == 0 {
		cmd.Println("No results found.")
		return nil
	}
	for i, r := range results {
		cmd.Printf("  [%d] %s (%.3f)\n", i+1, r.ChunkID, r.Score)
		text := strings.Join(strings.Fields(r.Text), " ")
		if len([]rune(text)) > 160 {
			text = string([]rune(text)[:160]) + "..."
		}
		cmd.Printf("      %s\n", text)
	}
	return nil
}
