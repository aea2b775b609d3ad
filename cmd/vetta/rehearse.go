package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vettaio/vetta/pkg/agents"
	"github.com/vettaio/vetta/pkg/analytics"
	"github.com/vettaio/vetta/pkg/candidate"
	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/engine"
	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/safety"
	"github.com/vettaio/vetta/pkg/session"
)

// RehearseCmd runs a full interview against a simulated candidate and
// prints the transcript. Useful for exercising rubric and flow changes
// without a real session.
type RehearseCmd struct {
	Level       int    `help:"Candidate depth level (1-5)." default:"3"`
	Turns       int    `help:"Maximum answer turns before finishing." default:"10"`
	Persona     string `help:"Interviewer persona (friendly or firm)."`
	Resume      string `help:"Path to a plain-text resume summary." type:"path"`
	InterviewID string `name:"interview-id" help:"Interview identifier." default:"rehearsal"`
	CandidateID string `name:"candidate-id" help:"Candidate identifier." default:"sim"`
}

func (c *RehearseCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer loader.Close()

	sink, err := analytics.Open(cfg.Analytics)
	if err != nil {
		return fmt.Errorf("failed to open analytics store: %w", err)
	}
	defer sink.Close()

	oracles, err := oracle.NewRegistry(cfg.Oracles)
	if err != nil {
		return fmt.Errorf("failed to build oracle registry: %w", err)
	}

	store, err := session.NewStore(cfg.Checkpoints.Dir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	rules := safety.NewEngine(cfg.Safety.Path)
	eng := engine.New(cfg, store, oracles, rules, sink, nil, agents.StaticCosine(cfg.Flow.TopicBaseline))

	// A "candidate" oracle route is optional; without one the simulator
	// falls back to canned replies at the requested level.
	var sim *candidate.Agent
	if oc := cfg.Oracles["candidate"]; oc != nil {
		sim = candidate.NewAgent(oracle.NewClient("candidate", oc))
	} else {
		sim = candidate.NewAgent(nil)
	}

	memory := candidate.Memory{
		ResumeSummary: "Five years of backend engineering across payments and platform teams.",
	}
	if c.Resume != "" {
		data, err := os.ReadFile(c.Resume)
		if err != nil {
			return fmt.Errorf("failed to read resume summary: %w", err)
		}
		memory.ResumeSummary = string(data)
	}

	resp, err := eng.Start(ctx, engine.StartRequest{
		InterviewID: c.InterviewID,
		CandidateID: c.CandidateID,
		Persona:     c.Persona,
	})
	if err != nil {
		return fmt.Errorf("failed to start rehearsal: %w", err)
	}
	fmt.Printf("Session %s (level %d candidate)\n\n", resp.SessionID, c.Level)
	printMessages(resp)

	for turn := 0; turn < c.Turns && resp.Question != nil; turn++ {
		if meta := resp.Question.Metadata; meta != nil {
			memory.Competency = meta.CompetencyID
			memory.TargetedCriteria = meta.EvidenceTargets
		}

		out, err := sim.Reply(ctx, resp.Question.Text, memory, c.Level)
		if err != nil {
			return fmt.Errorf("candidate reply failed: %w", err)
		}
		memory.History = out.History
		fmt.Printf("  candidate: %s\n\n", out.Message.Answer)

		msg := out.Message.Answer
		resp, err = eng.Turn(ctx, engine.TurnRequest{
			SessionID: resp.SessionID,
			UserMsg:   &msg,
		})
		if err != nil {
			return fmt.Errorf("turn failed: %w", err)
		}
		printMessages(resp)
	}

	final, err := eng.Finish(ctx, resp.SessionID)
	if err != nil {
		return fmt.Errorf("failed to finish rehearsal: %w", err)
	}
	printMessages(final)

	if final.LiveScores != nil {
		fmt.Printf("Overall: avg %.1f, median %.1f, max %.1f\n",
			final.LiveScores.Overall.Avg,
			final.LiveScores.Overall.Median,
			final.LiveScores.Overall.Max)
	}
	return nil
}

func printMessages(resp *engine.Response) {
	for _, msg := range resp.UIMessages {
		fmt.Printf("  %s: %s\n", msg.Role, msg.Text)
	}
	if len(resp.UIMessages) > 0 {
		fmt.Println()
	}
}
