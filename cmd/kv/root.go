package kv

import (
	"github.com/ValentinKolb/nKV/cmd/util"
	"github.com/ValentinKolb/nKV/lib/aio"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/nkv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	client *nkv.Client

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value operations on a container",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	util.SetupClientFlags(KeyValueCommands)

	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient opens the nKV client and routes completions back to the waiting command
func setupKVClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	c, err := util.OpenClient()
	if err != nil {
		return err
	}
	if err := c.RegisterCompletionCallback(deliver, nil, nil); err != nil {
		_ = c.Close()
		return err
	}
	client = c
	return nil
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// deliver hands each completed operation to the channel in its first tag
func deliver(batch aio.CompletionBatch) {
	for _, op := range batch.Ops {
		if done, ok := op.Tag1.(chan *kv.Operation); ok {
			done <- op
		}
	}
}

// do submits op and waits for its completion
func do(op *kv.Operation) error {
	done := make(chan *kv.Operation, 1)
	op.Tag1 = done
	if _, err := client.Submit(op, kv.IOContext{KeySpaceID: viper.GetInt32("key-space")}); err != nil {
		return err
	}
	<-done
	return op.Result.Err()
}
