package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	size int
	Cmd  = &cobra.Command{
		Use:   "token",
		Short: "Generate a random relay token or session key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := Generate(size)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
)

func init() {
	Cmd.Flags().IntVarP(&size, "bytes", "b", 32, "number of random bytes")
}

// Generate returns n random bytes, hex encoded.
func Generate(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("at least 16 bytes are required, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
