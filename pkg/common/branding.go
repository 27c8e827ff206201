package common

import (
	"fmt"
	"os"
)

// PrintBanner writes the startup banner to stderr. Stdout stays free for
// the MCP stdio transport.
func PrintBanner(version string) {
	banner := fmt.Sprintf(`
888      888             888
888      888             888
88888b.  888  8888b.  88888b.
888 "88b 888     "88b 888 "88b
888  888 888 .d888888 888  888
888 d88P 888 888  888 888  888
88888P"  888 "Y888888 888  888

BLAH %s
manifest tools, aggregated and served over MCP
`, version)

	fmt.Fprint(os.Stderr, banner)
}
