package main

import (
	"fmt"

	"github.com/pkg/errors"

	echoapi "github.com/trezcool/clinica/apps/api/echo"
	"github.com/trezcool/clinica/core"
)

var knownRoles = map[string]bool{
	echoapi.RoleAdmin:     true,
	echoapi.RolePreceptor: true,
	echoapi.RoleStudent:   true,
}

// token prints a signed API token for the subject.
func (cli *commandLine) token(subject, username string, roles []string) error {
	for _, role := range roles {
		if !knownRoles[role] {
			return core.NewValidationError(fmt.Errorf("unknown role %q", role))
		}
	}
	claims := echoapi.NewClaims(cli.conf, core.CleanString(subject), core.CleanString(username), roles...)
	token, err := echoapi.GenerateToken(cli.conf, claims)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	fmt.Fprintln(cli.out, token)
	return nil
}
