package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/burrowdns/burrow/dnsmsg"
)

// PluginQueryLog logs client queries with their outcome and latency. It
// runs as a logging plugin so dropped and rejected queries show up too.
type PluginQueryLog struct {
	logger        io.Writer
	format        string
	ignoredQtypes []string
}

func (plugin *PluginQueryLog) Name() string {
	return "query_log"
}

func (plugin *PluginQueryLog) Description() string {
	return "Log DNS queries"
}

func (plugin *PluginQueryLog) Init(proxy *Proxy) error {
	plugin.logger, plugin.format = InitializePluginLogger(
		proxy.queryLogFile, proxy.queryLogFormat,
		proxy.logMaxSize, proxy.logMaxAge, proxy.logMaxBackups,
	)
	plugin.ignoredQtypes = proxy.queryLogIgnoredQtypes
	return nil
}

func (plugin *PluginQueryLog) Drop() error {
	return nil
}

func (plugin *PluginQueryLog) Reload() error {
	return nil
}

func (plugin *PluginQueryLog) Eval(pluginsState *PluginsState, msg *dnsmsg.Msg) error {
	if len(msg.Question) == 0 {
		return nil
	}
	question := msg.Question[0]
	qType := question.Type.String()
	for _, ignoredQtype := range plugin.ignoredQtypes {
		if strings.EqualFold(ignoredQtype, qType) {
			return nil
		}
	}
	clientIPStr, ok := ExtractClientIPStr(pluginsState)
	if !ok {
		return errors.New("Unexpected client protocol")
	}
	returnCode, ok := PluginsReturnCodeToString[pluginsState.returnCode]
	if !ok {
		returnCode = fmt.Sprintf("UNKNOWN%d", pluginsState.returnCode)
	}
	var requestDuration time.Duration
	if !pluginsState.requestStart.IsZero() {
		requestDuration = time.Since(pluginsState.requestStart)
	}
	cached := "-"
	if pluginsState.cacheHit {
		cached = "cached"
	}
	return WritePluginLog(
		plugin.logger, plugin.format, clientIPStr, pluginsState.qName, qType,
		returnCode, fmt.Sprintf("%dms", requestDuration.Milliseconds()), cached,
	)
}
