package kv

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	putOpts kv.StoreOption
	getOpts kv.RetrieveOption
	getBuf  string

	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Stores the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := &kv.Operation{
				OpCode: kv.OpPut,
				Key:    kv.Key(args[0]),
				Value:  kv.NewValue([]byte(args[1])),
				Store:  putOpts,
			}
			if err := do(op); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := humanize.ParseBytes(getBuf)
			if err != nil {
				return fmt.Errorf("invalid buffer size: %w", err)
			}
			op := &kv.Operation{
				OpCode:   kv.OpGet,
				Key:      kv.Key(args[0]),
				Value:    kv.Value{Buf: make([]byte, size)},
				Retrieve: getOpts,
			}
			err = do(op)
			switch {
			case errors.Is(err, kv.ErrNotFound):
				fmt.Printf("key=%s, found=false\n", args[0])
				return nil
			case errors.Is(err, kv.ErrTruncated):
				fmt.Printf("key=%s, found=true, size=%s (truncated, raise --buffer), value=%s\n",
					args[0], humanize.IBytes(op.Value.ActualLength), op.Value.Bytes())
				return nil
			case err != nil:
				return err
			}
			fmt.Printf("key=%s, found=true, size=%s, value=%s\n", args[0], humanize.IBytes(op.Value.ActualLength), op.Value.Bytes())
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := do(&kv.Operation{OpCode: kv.OpDelete, Key: kv.Key(args[0])}); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
)

func init() {
	f := putCmd.Flags()
	f.BoolVar(&putOpts.Compressed, "compress", false, "Compress the value")
	f.BoolVar(&putOpts.Encrypted, "encrypt", false, "Encrypt the value (requires --encryption-key)")
	f.BoolVar(&putOpts.CRCInMeta, "crc", false, "Store a checksum of the value")
	f.BoolVar(&putOpts.NoOverwrite, "no-overwrite", false, "Fail if the key exists")
	f.BoolVar(&putOpts.UpdateOnly, "update-only", false, "Fail if the key does not exist")
	f.BoolVar(&putOpts.Append, "append", false, "Append to the stored value (not with --encrypt)")
	f.BoolVar(&putOpts.Atomic, "atomic", false, "Store the value atomically")

	f = getCmd.Flags()
	f.BoolVar(&getOpts.Decompress, "decompress", false, "Decompress the value")
	f.BoolVar(&getOpts.Decrypt, "decrypt", false, "Decrypt the value (requires --encryption-key)")
	f.BoolVar(&getOpts.CompareCRC, "compare-crc", false, "Verify the stored checksum")
	f.BoolVar(&getOpts.Delete, "delete", false, "Delete the key after reading it")
	f.StringVar(&getBuf, "buffer", "64KiB", "Size of the receive buffer")
}
