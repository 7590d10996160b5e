package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/trezcool/clinica/core"
	"github.com/trezcool/clinica/core/timerecord"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf  *core.Config
	db    *sql.DB
	trSvc *timerecord.Service
	out   io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                          - run a goose command (up, down, status, up-to VERSION, ...)")
	fmt.Fprintln(cli.out, "  clockout -student ID                            - close the student's open time record")
	fmt.Fprintln(cli.out, "  token -sub ID [-username NAME] [-roles R1,R2]   - issue an API token")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	clockOutCmd := flag.NewFlagSet("clockout", flag.ContinueOnError)
	clockOutCmd.SetOutput(cli.out)
	clockOutStudent := clockOutCmd.String("student", "", "The student's ID.")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenCmd.SetOutput(cli.out)
	tokenSub := tokenCmd.String("sub", "", "The token's subject (user ID).")
	tokenUsername := tokenCmd.String("username", "", "The user's username.")
	tokenRoles := tokenCmd.String("roles", "", "Comma separated roles (admin, preceptor, student).")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "clockout":
		if err := clockOutCmd.Parse(args[2:]); err != nil {
			return err
		}
		if core.CleanString(*clockOutStudent) == "" {
			clockOutCmd.Usage()
			return errHelp
		}
		return cli.clockOut(*clockOutStudent)
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if core.CleanString(*tokenSub) == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenSub, *tokenUsername, splitRoles(*tokenRoles))
	default:
		cli.printUsage()
		return errHelp
	}
}

func splitRoles(s string) []string {
	roles := make([]string, 0)
	for _, role := range strings.Split(s, ",") {
		if role = core.CleanString(role, true /* lower */); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
