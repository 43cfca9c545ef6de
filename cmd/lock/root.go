package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/nKV/cmd/util"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/nkv"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	client     *nkv.Client
	lockOption kv.LockOption
	holdFor    time.Duration

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:                "lock",
		Short:              "Perform lock operations",
		PersistentPreRunE:  setupLockClient,
		PersistentPostRunE: closeLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Long:  "Acquire a lock owned by this process. With --hold the lock is kept (and the instance heartbeats) for the given time and released afterwards; otherwise it stays until it is released or reclaimed from the exited process.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [key] [requestID]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the key and the request id printed by the acquire command.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}
)

func init() {
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)

	util.SetupClientFlags(LockCommands)

	f := acquireCmd.Flags()
	f.BoolVar(&lockOption.Writer, "writer", false, "Request an exclusive writer lock")
	f.BoolVar(&lockOption.Blocking, "blocking", false, "Wait until the lock is granted")
	f.Uint8Var(&lockOption.Priority, "priority", 0, "Priority of a blocking request (0-3, higher is served first)")
	f.DurationVar(&lockOption.Duration, "duration", 30*time.Second, "Time the lock is granted for")
	f.DurationVar(&lockOption.WaitTimeout, "wait-timeout", 0, "Maximum wait of a blocking request (0 waits until granted)")
	f.DurationVar(&holdFor, "hold", 0, "Hold the lock for this time, then release it")
}

// setupLockClient opens the nKV client
func setupLockClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	c, err := util.OpenClient()
	if err != nil {
		return err
	}
	client = c
	return nil
}

func closeLockClient(_ *cobra.Command, _ []string) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// runAcquire handles the acquire lock command
func runAcquire(cmd *cobra.Command, args []string) error {
	key := kv.Key(args[0])

	res, err := client.AcquireLock(cmd.Context(), key, lockOption)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}

	if res.Status != kv.LockGranted {
		fmt.Printf("acquired=false, reason=%v\n", res.Err)
		return nil
	}
	fmt.Printf("acquired=true, requestId=%s, expires=%s, reclaimed=%t\n",
		res.Request, res.Expiry.Format(time.RFC3339), res.Reclaimed)

	if holdFor <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), holdFor)
	defer cancel()
	<-ctx.Done()

	released, err := client.ReleaseLock(key, res.Request)
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Printf("released=%v\n", released)
	return nil
}

// runRelease handles the release lock command
func runRelease(_ *cobra.Command, args []string) error {
	key := kv.Key(args[0])

	requestID, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("invalid request id format: %v", err)
	}

	released, err := client.ReleaseLock(key, requestID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}

	fmt.Printf("released=%v\n", released)
	return nil
}
