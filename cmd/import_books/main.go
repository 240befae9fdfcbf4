// Command import_books seeds a library database from a CSV catalog with
// rows of title,author,isbn,copies.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"library-circulation/library"
)

func main() {
	var dbPath string
	var reset bool

	cmd := &cobra.Command{
		Use:          "import_books <catalog.csv>",
		Short:        "Seed the catalog from a CSV file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset {
				resetDatabase(dbPath)
			}
			return importCatalog(cmd.Context(), dbPath, args[0])
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "library.db", "SQLite database path")
	cmd.Flags().BoolVar(&reset, "reset", false, "remove the existing database first")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resetDatabase(dbPath string) {
	fmt.Println("Cleaning up existing database files...")
	for _, file := range []string{dbPath, dbPath + "-shm", dbPath + "-wal"} {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			fmt.Printf("Warning: Could not remove %s: %v\n", file, err)
		}
	}
	fmt.Println("Database cleanup complete.")
}

func importCatalog(ctx context.Context, dbPath, csvPath string) error {
	manager, err := library.NewLibraryManager(library.Config{Path: dbPath})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer manager.Close()

	fmt.Printf("Importing books from %s...\n", csvPath)
	ids, importErr := manager.ImportBooksFromFile(ctx, csvPath)

	fmt.Printf("%-5s %-40s %-25s %s\n", "ID", "Title", "Author", "Copies")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, id := range ids {
		b, err := manager.GetBook(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%-5d %-40s %-25s %d\n", b.ID, b.Title, b.Author, b.TotalCopies)
	}

	fmt.Printf("\nImport complete: %d books imported.\n", len(ids))
	if importErr != nil {
		fmt.Fprintf(os.Stderr, "Import stopped: %v\n", importErr)
		return importErr
	}
	return nil
}
