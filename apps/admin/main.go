package main

import (
	"log"
	"os"

	"github.com/trezcool/clinica/core"
	"github.com/trezcool/clinica/core/timerecord"
	"github.com/trezcool/clinica/storage/database"
	sqlxrepos "github.com/trezcool/clinica/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()

	// set up DB
	errAndDie(database.CreateIfNotExist(conf))
	db, err := database.Open(conf)
	errAndDie(err)

	// start CLI
	cli := commandLine{
		conf:  conf,
		db:    db.DB,
		trSvc: timerecord.NewService(sqlxrepos.NewTimeRecordRepository(db)),
		out:   os.Stdout,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
