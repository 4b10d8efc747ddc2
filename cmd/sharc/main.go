// Command sharc inspects databases with the Sharc engine.
//
// Exit codes: 0 success, 1 invalid input, 2 file-format error,
// 3 I/O error, 4 crypto error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/revred/sharc"
	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/logging"
	"github.com/revred/sharc/internal/query"
)

// Exit codes for CLI consumers.
const (
	exitOK           = 0
	exitInvalidInput = 1
	exitFormatError  = 2
	exitIOError      = 3
	exitCryptoError  = 4
)

type globals struct {
	Database string `arg:"" help:"Path to the database file." type:"existingfile"`
	Password string `help:"Password for an encrypted database." env:"SHARC_PASSWORD"`
	Options  string `help:"YAML options file." type:"existingfile"`
	Verbose  bool   `short:"v" help:"Enable debug logging."`
}

type cli struct {
	Tables tablesCmd `cmd:"" help:"List tables with their root pages and column counts."`
	Schema schemaCmd `cmd:"" help:"Print the CREATE statements of the catalog."`
	Count  countCmd  `cmd:"" help:"Count the rows of a table."`
}

func (g *globals) open() (*sharc.DB, error) {
	var opts *sharc.Options
	if g.Options != "" {
		loaded, err := sharc.OptionsFromYAML(g.Options)
		if err != nil {
			return nil, err
		}
		opts = loaded
	} else {
		opts = &sharc.Options{}
	}
	opts.ReadOnly = true
	if g.Password != "" {
		if opts.Encryption == nil {
			opts.Encryption = &sharc.EncryptionOptions{}
		}
		opts.Encryption.Password = g.Password
	}
	if g.Verbose {
		logging.InitLogger(logging.LevelDebug, logging.FormatText)
	}
	return sharc.Open(g.Database, opts)
}

type tablesCmd struct {
	globals
}

func (c *tablesCmd) Run() error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	for _, t := range db.Schema().Tables {
		fmt.Printf("%s\troot=%d\tcolumns=%d\n", t.Name, t.RootPage, len(t.Columns))
	}
	return nil
}

type schemaCmd struct {
	globals
}

func (c *schemaCmd) Run() error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	for _, t := range db.Schema().Tables {
		fmt.Println(strings.TrimSpace(t.SQL) + ";")
	}
	for _, ix := range db.Schema().Indexes {
		fmt.Println(strings.TrimSpace(ix.SQL) + ";")
	}
	return nil
}

type countCmd struct {
	globals
	Table string `arg:"" help:"Table to count."`
}

func (c *countCmd) Run() error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	intent := &query.Intent{
		Table:      c.Table,
		Aggregates: []query.Aggregate{{Func: query.AggCount, Star: true, Alias: "n"}},
		Limit:      -1,
		Offset:     -1,
	}
	r, err := db.Query(context.Background(), intent)
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := r.Read(); err != nil {
		return err
	}
	n, err := r.GetInt64(0)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

// exitCode maps engine errors onto the CLI contract.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, serrors.ErrCrypto):
		return exitCryptoError
	case errors.Is(err, serrors.ErrInvalidDatabase), errors.Is(err, serrors.ErrCorruptPage):
		return exitFormatError
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return exitIOError
	default:
		return exitInvalidInput
	}
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("sharc"),
		kong.Description("Inspect SQLite-format databases with the Sharc engine."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "sharc:", err)
		os.Exit(exitCode(err))
	}
}
