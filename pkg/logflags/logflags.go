package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var proc = false
var hwBreak = false
var step = false
var locations = false

func makeLogger(flag bool, fields Fields) Logger {
	lf := loggerFactory
	if lf == nil {
		lf = newLogrusLogger
	}
	return lf(flag, fields, nil)
}

func newLogrusLogger(flag bool, fields Fields, _ io.Writer) Logger {
	entry := logrus.New().WithFields(logrus.Fields(fields))
	entry.Logger.Level = logrus.DebugLevel
	if !flag {
		entry.Logger.Level = logrus.PanicLevel
	}
	return &logrusLogger{entry}
}

// Proc returns true if the thread control layer should log.
func Proc() bool {
	return proc
}

// ProcLogger returns a logger for the thread control layer.
func ProcLogger() Logger {
	return makeLogger(proc, Fields{"layer": "proc"})
}

// HWBreak returns true if hardware breakpoint/watchpoint slot management
// should log.
func HWBreak() bool {
	return hwBreak
}

// HWBreakLogger returns a logger for hardware slot management.
func HWBreakLogger() Logger {
	return makeLogger(hwBreak, Fields{"layer": "proc", "kind": "hwbreak"})
}

// Step returns true if the single step engine should log.
func Step() bool {
	return step
}

// StepLogger returns a logger for the single step engine.
func StepLogger() Logger {
	return makeLogger(step, Fields{"layer": "proc", "kind": "step"})
}

// Locations returns true if breakpoint location resolution should be logged.
func Locations() bool {
	return locations
}

// LocationsLogger returns a logger for breakpoint location resolution.
func LocationsLogger() Logger {
	return makeLogger(locations, Fields{"layer": "proc", "kind": "locations"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "proc"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "proc":
			proc = true
		case "hwbreak":
			hwBreak = true
		case "step":
			step = true
		case "locations":
			locations = true
		}
	}
	return nil
}
