package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sutext.github.io/bridgelink/frame"
)

func encodeCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "encode <text>",
		Short: "Print the wire bytes of a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkText(args[0]); err != nil {
				return err
			}
			b := frame.Encode(args[0])
			if raw {
				_, err := cmd.OutOrStdout().Write(b)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "% X\n", b)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "write the bytes instead of hex")
	return cmd
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>",
		Short: "Print the payloads found in hex wire bytes",
		Long: `Decode hex wire bytes (spaces allowed) and print each frame payload.
Checksums are shown as recomputed and as received.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			return decodeTo(cmd, b)
		},
	}
}

func parseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', ':':
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

func decodeTo(cmd *cobra.Command, b []byte) error {
	out := cmd.OutOrStdout()
	dec := frame.NewDecoder(0)
	derr := dec.AddBytes(b)
	for i, f := range dec.ReadAll() {
		fmt.Fprintf(out, "%d: %q", i, f)
		if tail, ok := trailer(b, i); ok {
			fmt.Fprintf(out, " checksum %s (sent %s)", wireChecksum(f), tail)
		}
		fmt.Fprintln(out)
	}
	if derr != nil {
		return derr
	}
	if dec.Open() {
		fmt.Fprintln(out, "incomplete frame at end of input")
	}
	return nil
}

// trailer finds the four bytes following the n-th ETX in b.
func trailer(b []byte, n int) (string, bool) {
	seen := -1
	for i, c := range b {
		if c != frame.ETX {
			continue
		}
		seen++
		if seen == n {
			if i+5 > len(b) {
				return "", false
			}
			return string(b[i+1 : i+5]), true
		}
	}
	return "", false
}

func wireChecksum(payload []byte) string {
	enc := frame.Encode(string(payload))
	return string(enc[len(enc)-4:])
}
