package generate

import (
	"github.com/Mmx233/QLink/cmd/generate/certs"
	"github.com/Mmx233/QLink/cmd/generate/config"
	"github.com/Mmx233/QLink/cmd/generate/token"
	"github.com/spf13/cobra"
)

var (
	Cmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate resources",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.AddCommand(certs.Cmd)
	Cmd.AddCommand(config.Cmd)
	Cmd.AddCommand(token.Cmd)
}
