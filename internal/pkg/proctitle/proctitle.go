// Package proctitle names the running process after its role.
package proctitle

import (
	"os"
	"strings"
)

const prefix = "diymod"

// Title returns "diymod-<role>", or "diymod" for an empty role.
func Title(role string) string {
	role = strings.TrimSpace(role)
	if role == "" {
		return prefix
	}
	return prefix + "-" + role
}

func rewriteArgv0(title string) {
	if len(os.Args) > 0 {
		os.Args[0] = title
	}
}
