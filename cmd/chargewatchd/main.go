/*
chargewatchd - estimates charge progress and mirrors it to the desktop
Copyright (C) 2025, chargewatch

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"strings"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"github.com/chargewatch/chargewatch/analytics"
	"github.com/chargewatch/chargewatch/lifecycle"
	"github.com/chargewatch/chargewatch/notify"
	"github.com/chargewatch/chargewatch/relay"
	"github.com/chargewatch/chargewatch/store"
)

var version = "<not set>"
var log = logrus.New()

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"configuration file"`
	LogLevel   string `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	args := Args{}
	arg.MustParse(&args)
	return args
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

// customFormatter defines a new logrus formatter.
type customFormatter struct{}

// Format builds the log message string from the log entry.
func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	args := procArgs()
	setLogLevel(args.LogLevel)

	log.Infof("Running version: %s", version)

	conf, err := loadConfig(args.ConfigFile)
	if err != nil {
		return err
	}

	db, err := store.Open(conf.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := analytics.NewEngine(conf.Engine, log)
	presenter := analytics.NewPresenter(conf.Presenter)

	pres, err := notify.NewSession("chargewatch")
	if err != nil {
		return fmt.Errorf("presentation surface unavailable: %w", err)
	}

	var push lifecycle.PushRelay
	if dbusRelay, err := relay.NewDBusRelay(); err != nil {
		log.Warnf("Push relay unavailable, background updates disabled: %v", err)
		push = relay.Noop{}
	} else {
		push = dbusRelay
	}

	coord := lifecycle.NewCoordinator(conf.Lifecycle, pres, push, log)

	source, err := newSysfsSource(conf.PowerSupply)
	if err != nil {
		return err
	}
	log.Infof("Reading battery state from %s", source.dir)

	loop := newSampleLoop(engine, presenter, coord, db, source, conf, log)
	coord.SetForegroundFunc(loop.Foreground)

	if err := startService(loop, coord, engine); err != nil {
		return err
	}
	startAPI(conf.HTTPAddr, loop, db, log)
	watchConfig(args.ConfigFile, loop)

	return loop.run()
}
