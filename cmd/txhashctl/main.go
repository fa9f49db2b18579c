package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/natefinch/lumberjack"
	"github.com/op/go-logging"

	"github.com/theflywheel/txhash"
)

var log = logging.MustGetLogger("txhashctl")

var stderrLogFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:15:04:05.000} [%{level}] [%{module}/%{shortfunc}] %{message}`,
)

var fileLogFormat = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} [%{level}] [%{module}/%{shortfunc}] %{message}`,
)

type GlobalOptions struct {
	Pool     string `short:"p" long:"pool" env:"TXHASH_POOL" default:"txhash.pool" description:"path of the pool file"`
	Config   string `short:"c" long:"config" env:"TXHASH_CONFIG" description:"YAML options file"`
	LogLevel string `short:"l" long:"loglevel" env:"TXHASH_LOGLEVEL" default:"warning" description:"set the logging level [debug, info, notice, warning, error, critical]"`
	LogFile  string `long:"logfile" env:"TXHASH_LOGFILE" description:"also write logs to this file, rotated"`
}

var globalOpts GlobalOptions
var parser = flags.NewParser(&globalOpts, flags.Default)

func main() {
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded environment from .env")
	}

	parser.AddCommand("set",
		"store a value",
		"The set command stores VALUE under KEY in table ID, creating the table if needed",
		&setCmd)
	parser.AddCommand("get",
		"read a value",
		"The get command prints the value stored under KEY in table ID",
		&getCmd)
	parser.AddCommand("expand",
		"grow a table",
		"The expand command grows table ID to the given bucket count",
		&expandCmd)
	parser.AddCommand("migrate",
		"move a table into another",
		"The migrate command moves every entry of table SRC into table DST and destroys SRC",
		&migrateCmd)
	parser.AddCommand("create",
		"create or grow a table",
		"The create command creates table ID with the given bucket count, or grows it if it is smaller",
		&createCmd)
	parser.AddCommand("dump",
		"print a table",
		"The dump command prints every key and value of table ID in key order",
		&dumpCmd)
	parser.AddCommand("stats",
		"print table statistics",
		"The stats command prints the shape of every table in the pool",
		&statsCmd)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	backendStderr := logging.NewLogBackend(os.Stderr, "", 0)
	backendStderrFormatter := logging.NewBackendFormatter(backendStderr, stderrLogFormat)
	if globalOpts.LogFile != "" {
		w := &lumberjack.Logger{
			Filename:   globalOpts.LogFile,
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     30, // Days
		}
		backendFile := logging.NewLogBackend(w, "", 0)
		backendFileFormatter := logging.NewBackendFormatter(backendFile, fileLogFormat)
		logging.SetBackend(backendFileFormatter, backendStderrFormatter)
	} else {
		logging.SetBackend(backendStderrFormatter)
	}

	level, err := logging.LogLevel(strings.ToUpper(globalOpts.LogLevel))
	if err != nil {
		level = logging.WARNING
	}
	logging.SetLevel(level, "")
}

// openStore configures logging and opens the pool named by the global flags.
func openStore() (*txhash.Store, error) {
	setupLogging()
	opts := txhash.DefaultOptions()
	if globalOpts.Config != "" {
		var err error
		if opts, err = txhash.LoadOptions(globalOpts.Config); err != nil {
			return nil, err
		}
	}
	s, err := txhash.Open(globalOpts.Pool, opts)
	if err != nil {
		log.Errorf("open %s: %v", globalOpts.Pool, err)
		return nil, err
	}
	return s, nil
}
