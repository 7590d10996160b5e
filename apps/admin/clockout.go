package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// clockOut closes the student's open time record on behalf of an administrator.
func (cli *commandLine) clockOut(studentID string) error {
	rec, err := cli.trSvc.ForceClockOut(context.Background(), studentID)
	if err != nil {
		return errors.Wrap(err, "clocking out")
	}
	fmt.Fprintf(cli.out, "clocked %s out of %s (record %s, %s)\n", rec.StudentID, rec.RotationID, rec.ID, rec.Duration())
	return nil
}
