package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/proclink/proclink/worker"
)

// echoworker is a demo proclink worker. A proxy spawns it and drives it over
// stdio; it is not meant to be run by hand.
func main() {
	app := &cli.App{
		Name:  "echoworker",
		Usage: "a demo proclink worker exposing a few toy methods",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level for the worker's stderr logging.",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			w := worker.New(logger.Sugar())
			w.Register("echo", echo)
			w.Register("add", add)
			w.Register("sleep", sleep)
			w.Register("fail", fail)
			return w.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func echo(ctx context.Context, args []json.RawMessage) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("echo takes exactly 1 argument, got %d", len(args))
	}
	return args[0], nil
}

func add(ctx context.Context, args []json.RawMessage) (any, error) {
	var sum float64
	for i, arg := range args {
		var n float64
		if err := json.Unmarshal(arg, &n); err != nil {
			return nil, fmt.Errorf("arg %d is not a number", i)
		}
		sum += n
	}
	return sum, nil
}

func sleep(ctx context.Context, args []json.RawMessage) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sleep takes exactly 1 argument, got %d", len(args))
	}
	var ms int64
	if err := json.Unmarshal(args[0], &ms); err != nil {
		return nil, fmt.Errorf("sleep duration must be milliseconds")
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return ms, nil
}

func fail(ctx context.Context, args []json.RawMessage) (any, error) {
	reason := "failure requested"
	if len(args) > 0 {
		var s string
		if err := json.Unmarshal(args[0], &s); err == nil && s != "" {
			reason = s
		}
	}
	return nil, fmt.Errorf("%s", reason)
}
