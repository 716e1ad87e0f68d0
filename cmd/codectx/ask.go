// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codectx/internal/contract"
	"github.com/kraklabs/codectx/internal/errors"
	"github.com/kraklabs/codectx/internal/output"
	"github.com/kraklabs/codectx/internal/ui"
	"github.com/kraklabs/codectx/pkg/qa"
)

// runAsk executes the 'ask' CLI command: retrieve context for the
// question, feed it to the configured LLM and print the answer.
//
// Examples:
//
//	codectx ask "where is the retry logic?"
//	codectx ask "who touched the parser recently?" --agent history
//	codectx ask "explain the webhook flow" --stream
//	codectx ask "what does NormalizeURL do?" --json
func runAsk(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	agent := fs.String("agent", "structural", "Agent to answer with (structural|history|diagnostic|architectural|review)")
	search := fs.String("search", "", "Retrieval strategy (vector|hybrid, default: hybrid)")
	limit := fs.Int("limit", 0, "Context budget in nodes (0 uses the configured default)")
	weight := fs.Float64("vector-weight", 0.7, "Hybrid alpha in [0,1]; 0 ranks by text alone (unset uses the configured default)")
	stream := fs.Bool("stream", false, "Stream the answer as it is generated")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: codectx ask <question> [options]

Answers a question about the indexed codebase. Context is retrieved
from the graph per the chosen agent, then passed to the LLM.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  codectx ask "where is retry handled?" --agent diagnostic
  codectx ask "how did auth evolve?" --agent history --stream
  codectx ask "summarize the storage layer" --json
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if v := contract.ValidateQuestion(question); !v.OK {
		errors.FatalError(errors.NewInputError(
			"Invalid question",
			v.Message,
			"Provide a non-empty question under the size limit",
		), globals.JSON)
	}

	agentType, err := qa.ParseAgentType(*agent)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Unknown agent",
			err.Error(),
			"Use one of: structural, history, diagnostic, architectural, review",
		), globals.JSON)
	}

	logger := newLogger(globals)
	ctx := context.Background()
	app := mustBootstrap(ctx, globals, logger)
	defer func() { _ = app.Close(context.Background()) }()

	req := qa.Request{
		Question:     question,
		Agent:        agentType,
		Search:       qa.SearchType(*search),
		ContextLimit: *limit,
	}
	if fs.Changed("vector-weight") {
		req.VectorWeight = weight
	}

	if *stream {
		runAskStream(ctx, app.QA, req, globals)
		return
	}

	answer, err := app.QA.Ask(ctx, req)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Question failed",
			err.Error(),
			"Check that the LLM endpoint is reachable and the repository is ingested",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(answer)
		return
	}
	printAnswer(answer)
}

// runAskStream prints answer events as they arrive. In JSON mode each
// event is one compact object per line; otherwise the text chunks go
// straight to stdout.
func runAskStream(ctx context.Context, svc *qa.Service, req qa.Request, globals GlobalFlags) {
	events, err := svc.Stream(ctx, req)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Question failed",
			err.Error(),
			"Check that the LLM endpoint is reachable and the repository is ingested",
			err,
		), globals.JSON)
	}

	for ev := range events {
		if ev.Err != nil {
			if globals.JSON {
				_ = output.JSONError(ev.Err)
			} else {
				fmt.Println()
				ui.Error(ev.Err.Error())
			}
			os.Exit(1)
		}
		if globals.JSON {
			_ = output.JSONCompact(ev)
			continue
		}
		if ev.Text != "" {
			fmt.Print(ev.Text)
		}
		if ev.Done {
			fmt.Println()
		}
	}
}

func printAnswer(answer *qa.Answer) {
	fmt.Println(answer.Text)
	if answer.Refused || len(answer.Context) == 0 {
		return
	}

	fmt.Println()
	fmt.Println(ui.DimText("Context:"))
	for _, block := range answer.Context {
		fmt.Printf("  %s %s\n",
			ui.Label(fmt.Sprintf("[%s]", block.Label)),
			ui.DimText(fmt.Sprintf("%s (%.2f)", block.Name, block.Score)),
		)
	}
}
