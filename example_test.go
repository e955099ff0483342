package fluxrun_test

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/petrijr/fluxrun"
)

// Example_lifecycle walks a run through pause and resume on an in-memory
// store.
func Example_lifecycle() {
	ctx := context.Background()
	lc := fluxrun.NewInMemory()

	res, err := lc.Launch(ctx, fluxrun.LaunchRequest{CompanyName: "Acme Corp"})
	if err != nil {
		log.Fatal(err)
	}
	id := res.Run.RunID
	fmt.Println(res.Run.Status, res.Run.EventCount())

	run, err := lc.Pause(ctx, id, "waiting on contract")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.Status, run.EventCount())

	_, err = lc.Pause(ctx, id, "")
	fmt.Println(errors.Is(err, fluxrun.ErrConflictingState))

	run, err = lc.Resume(ctx, id, map[string]any{"note": "go"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.Status, run.EventCount())

	// Output:
	// running 1
	// paused 2
	// true
	// running 3
}

// Example_provisioning runs the onboarding executor against a launched run.
func Example_provisioning() {
	ctx := context.Background()
	lc := fluxrun.NewInMemory()

	res, err := lc.Launch(ctx, fluxrun.LaunchRequest{CompanyName: "Acme Corp"})
	if err != nil {
		log.Fatal(err)
	}

	outcome, err := fluxrun.NewRunner(lc).Run(ctx, res.Run.RunID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("run %s finished with status %s\n", outcome.Run.RunID, outcome.Run.Status)
	fmt.Println(outcome.Report)
}

// Example_localRunner provisions runs in the background as soon as they are
// launched.
func Example_localRunner() {
	ctx := context.Background()

	runner := fluxrun.NewLocalRunner()
	if err := runner.StartWorkers(ctx, 2); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	res, err := runner.Lifecycle.Launch(ctx, fluxrun.LaunchRequest{CompanyName: "Acme Corp"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("launched %s\n", res.Run.RunID)
}
