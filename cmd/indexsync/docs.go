package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/indexsync/pkg/client"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/output"
)

var putCmd = &cobra.Command{
	Use:   "put AREA ID",
	Short: "Store a document and index it right away",
	Long: `Store a document and write it through to the index without waiting for
the next poll.

Fields come from repeated --field flags, or from a JSON object read from
--fields-file ("-" reads stdin). Flags override fields from the file.`,
	Example: `  indexsync put content home --type page --field title="Home" --field body="Welcome"
  echo '{"title":"Home"}' | indexsync put content home --fields-file -`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var deleteCmd = &cobra.Command{
	Use:   "delete AREA ID",
	Short: "Delete a document and remove it from the index",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

var searchCmd = &cobra.Command{
	Use:   "search QUERY...",
	Short: "Search the index",
	Long: `Return documents containing every term of the query, best matches
first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(putCmd, deleteCmd, searchCmd)

	putCmd.Flags().String("type", "", "content type")
	putCmd.Flags().StringToString("field", nil, "document field as key=value (repeatable)")
	putCmd.Flags().String("fields-file", "", "JSON object of fields, - for stdin")

	searchCmd.Flags().IntP("limit", "l", 20, "maximum number of hits")
}

func runPut(cmd *cobra.Command, args []string) error {
	contentType, _ := cmd.Flags().GetString("type")
	flagFields, _ := cmd.Flags().GetStringToString("field")
	fieldsFile, _ := cmd.Flags().GetString("fields-file")

	fields, err := readFields(fieldsFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	for k, v := range flagFields {
		fields[k] = v
	}

	doc := &changelog.Document{
		Area:        args[0],
		ID:          args[1],
		ContentType: contentType,
		Fields:      fields,
	}
	return withClient(func(ctx context.Context, c *client.Client) error {
		stored, err := c.Put(ctx, doc)
		if err != nil {
			return err
		}
		return render(cmd, output.Document(stored))
	})
}

// readFields reads a JSON object of string fields from path. An empty path
// yields no fields.
func readFields(path string, stdin io.Reader) (map[string]string, error) {
	fields := make(map[string]string)
	if path == "" {
		return fields, nil
	}

	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	if err := json.NewDecoder(r).Decode(&fields); err != nil {
		return nil, fmt.Errorf("reading fields: %w", err)
	}
	return fields, nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		tomb, err := c.Delete(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return render(cmd, output.Document(tomb))
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	return withClient(func(ctx context.Context, c *client.Client) error {
		hits, err := c.Search(ctx, query, limit)
		if err != nil {
			return err
		}
		return render(cmd, output.Hits(hits))
	})
}
