package main

import (
	"net"
	"sync"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/burrowdns/burrow/dnsmsg"
)

type PluginsAction int

const (
	PluginsActionNone = iota
	PluginsActionContinue
	PluginsActionDrop
	PluginsActionReject
	PluginsActionSynth
)

type PluginsReturnCode int

const (
	PluginsReturnCodePass = iota
	PluginsReturnCodeResolved
	PluginsReturnCodeSynth
	PluginsReturnCodeParseError
	PluginsReturnCodeNXDomain
	PluginsReturnCodeServerError
	PluginsReturnCodeServerTimeout
	PluginsReturnCodeReject
	PluginsReturnCodeDrop
	PluginsReturnCodeCached
	PluginsReturnCodeForward
)

var PluginsReturnCodeToString = map[PluginsReturnCode]string{
	PluginsReturnCodePass:          "PASS",
	PluginsReturnCodeResolved:      "RESOLVED",
	PluginsReturnCodeSynth:         "SYNTH",
	PluginsReturnCodeParseError:    "PARSE_ERROR",
	PluginsReturnCodeNXDomain:      "NXDOMAIN",
	PluginsReturnCodeServerError:   "SERVER_ERROR",
	PluginsReturnCodeServerTimeout: "SERVER_TIMEOUT",
	PluginsReturnCodeReject:        "REJECT",
	PluginsReturnCodeDrop:          "DROP",
	PluginsReturnCodeCached:        "CACHED",
	PluginsReturnCodeForward:       "FORWARD",
}

type PluginsGlobals struct {
	sync.RWMutex
	queryPlugins    *[]Plugin
	responsePlugins *[]Plugin
	loggingPlugins  *[]Plugin
}

// Plugin hooks into the query pipeline. Query plugins run before the
// resolver and may synthesize or reject; response plugins run on the
// resolver's answer; logging plugins always run last, even for dropped
// queries.
type Plugin interface {
	Name() string
	Description() string
	Init(proxy *Proxy) error
	Drop() error
	Reload() error
	Eval(pluginsState *PluginsState, msg *dnsmsg.Msg) error
}

func InitPluginsGlobals(pluginsGlobals *PluginsGlobals, proxy *Proxy) error {
	queryPlugins := &[]Plugin{}
	if len(proxy.allowedClients) > 0 {
		*queryPlugins = append(*queryPlugins, Plugin(new(PluginAllowedClient)))
	}
	if proxy.rateLimitQPS > 0 {
		*queryPlugins = append(*queryPlugins, Plugin(new(PluginRateLimit)))
	}
	*queryPlugins = append(*queryPlugins, Plugin(new(PluginUndelegated)))
	if len(proxy.forwardFile) != 0 {
		*queryPlugins = append(*queryPlugins, Plugin(new(PluginForward)))
	}

	responsePlugins := &[]Plugin{}
	if len(proxy.nxLogFile) != 0 {
		*responsePlugins = append(*responsePlugins, Plugin(new(PluginNxLog)))
	}

	loggingPlugins := &[]Plugin{}
	if len(proxy.queryLogFile) != 0 {
		*loggingPlugins = append(*loggingPlugins, Plugin(new(PluginQueryLog)))
	}

	for _, plugin := range *queryPlugins {
		if err := plugin.Init(proxy); err != nil {
			return err
		}
	}
	for _, plugin := range *responsePlugins {
		if err := plugin.Init(proxy); err != nil {
			return err
		}
	}
	for _, plugin := range *loggingPlugins {
		if err := plugin.Init(proxy); err != nil {
			return err
		}
	}

	(*pluginsGlobals).queryPlugins = queryPlugins
	(*pluginsGlobals).responsePlugins = responsePlugins
	(*pluginsGlobals).loggingPlugins = loggingPlugins
	return nil
}

type PluginsState struct {
	sessionData   map[string]interface{}
	action        PluginsAction
	returnCode    PluginsReturnCode
	clientProto   string
	clientAddr    *net.Addr
	qName         string
	questionMsg   *dnsmsg.Msg
	synthResponse *dnsmsg.Msg
	requestStart  time.Time
	cacheHit      bool
}

func NewPluginsState(proxy *Proxy, clientProto string, clientAddr *net.Addr, start time.Time) PluginsState {
	return PluginsState{
		action:       PluginsActionContinue,
		returnCode:   PluginsReturnCodePass,
		clientProto:  clientProto,
		clientAddr:   clientAddr,
		sessionData:  make(map[string]interface{}),
		requestStart: start,
	}
}

func (pluginsState *PluginsState) ApplyQueryPlugins(pluginsGlobals *PluginsGlobals, msg *dnsmsg.Msg) error {
	if len(msg.Question) != 1 {
		return &dnsmsg.FormatError{Cause: dnsmsg.CountMismatch}
	}
	pluginsState.qName = dnsmsg.CanonicalName(msg.Question[0].Name)
	pluginsState.questionMsg = msg
	pluginsGlobals.RLock()
	defer pluginsGlobals.RUnlock()
	for _, plugin := range *pluginsGlobals.queryPlugins {
		if err := plugin.Eval(pluginsState, msg); err != nil {
			pluginsState.action = PluginsActionDrop
			return err
		}
		if pluginsState.action == PluginsActionReject {
			pluginsState.synthResponse = RefusedResponseFromMessage(msg, true, nil, nil, 0)
		}
		if pluginsState.action != PluginsActionContinue {
			break
		}
	}
	return nil
}

func (pluginsState *PluginsState) ApplyResponsePlugins(pluginsGlobals *PluginsGlobals, msg *dnsmsg.Msg) error {
	switch msg.Rcode {
	case dnsmsg.RcodeNameError:
		pluginsState.returnCode = PluginsReturnCodeNXDomain
	case dnsmsg.RcodeServerFailure:
		pluginsState.returnCode = PluginsReturnCodeServerError
	default:
		if pluginsState.returnCode == PluginsReturnCodePass {
			pluginsState.returnCode = PluginsReturnCodeResolved
		}
	}
	pluginsGlobals.RLock()
	defer pluginsGlobals.RUnlock()
	for _, plugin := range *pluginsGlobals.responsePlugins {
		if err := plugin.Eval(pluginsState, msg); err != nil {
			pluginsState.action = PluginsActionDrop
			return err
		}
		if pluginsState.action != PluginsActionContinue {
			break
		}
	}
	return nil
}

func (pluginsState *PluginsState) ApplyLoggingPlugins(pluginsGlobals *PluginsGlobals) error {
	questionMsg := pluginsState.questionMsg
	if questionMsg == nil || len(questionMsg.Question) == 0 {
		return nil
	}
	pluginsGlobals.RLock()
	defer pluginsGlobals.RUnlock()
	for _, plugin := range *pluginsGlobals.loggingPlugins {
		if err := plugin.Eval(pluginsState, questionMsg); err != nil {
			return err
		}
	}
	return nil
}

func (proxy *Proxy) ReloadPlugins() {
	proxy.pluginsGlobals.RLock()
	plugins := []Plugin{}
	if proxy.pluginsGlobals.queryPlugins != nil {
		plugins = append(plugins, *proxy.pluginsGlobals.queryPlugins...)
	}
	if proxy.pluginsGlobals.responsePlugins != nil {
		plugins = append(plugins, *proxy.pluginsGlobals.responsePlugins...)
	}
	proxy.pluginsGlobals.RUnlock()
	for _, plugin := range plugins {
		if err := plugin.Reload(); err != nil {
			dlog.Errorf("Failed to reload plugin [%s]: %v", plugin.Name(), err)
		}
	}
}
