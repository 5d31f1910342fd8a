package main

import (
	"errors"
	"io"

	"github.com/burrowdns/burrow/dnsmsg"
)

// PluginNxLog logs names that resolved to NXDOMAIN. Useful for spotting
// typo-squatting probes and misconfigured search domains.
type PluginNxLog struct {
	logger io.Writer
	format string
}

func (plugin *PluginNxLog) Name() string {
	return "nx_log"
}

func (plugin *PluginNxLog) Description() string {
	return "Log DNS queries for nonexistent zones"
}

func (plugin *PluginNxLog) Init(proxy *Proxy) error {
	plugin.logger, plugin.format = InitializePluginLogger(
		proxy.nxLogFile, proxy.nxLogFormat,
		proxy.logMaxSize, proxy.logMaxAge, proxy.logMaxBackups,
	)
	return nil
}

func (plugin *PluginNxLog) Drop() error {
	return nil
}

func (plugin *PluginNxLog) Reload() error {
	return nil
}

func (plugin *PluginNxLog) Eval(pluginsState *PluginsState, msg *dnsmsg.Msg) error {
	if msg.Rcode != dnsmsg.RcodeNameError {
		return nil
	}
	clientIPStr, ok := ExtractClientIPStr(pluginsState)
	if !ok {
		return errors.New("Unexpected client protocol")
	}
	var qType string
	if questionMsg := pluginsState.questionMsg; questionMsg != nil && len(questionMsg.Question) > 0 {
		qType = questionMsg.Question[0].Type.String()
	}
	return WritePluginLog(plugin.logger, plugin.format, clientIPStr, pluginsState.qName, qType)
}
