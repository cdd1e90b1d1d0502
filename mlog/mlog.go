// Package mlog wires every subsystem's leveled debug output through one
// logrus configuration, replacing the teacher's DPrintf/log.Printf pair with
// structured fields (the teacher: util.go's DPrintf; logging2.go's Log type
// named its own debug knob "Debug").
package mlog

import "github.com/sirupsen/logrus"

var base = logrus.New()

func init() {
	base.SetLevel(logrus.InfoLevel)
}

// SetVerbose raises the log level, wired to minfs.MountOptions.Verbose.
func SetVerbose(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// For returns a component-scoped logger, e.g. mlog.For("journal").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
