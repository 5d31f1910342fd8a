package main

import (
	"flag"
	"fmt"
	"sync"

	"github.com/jedisct1/dlog"
	"github.com/kardianos/service"
)

const (
	AppVersion            = "1.0.2"
	DefaultConfigFileName = "burrow.toml"
)

type App struct {
	wg    sync.WaitGroup
	quit  chan struct{}
	proxy *Proxy
}

func main() {
	dlog.Init("burrow", dlog.SeverityNotice, "DAEMON")
	svcConfig := &service.Config{
		Name:        "burrow",
		DisplayName: "burrow recursive DNS resolver",
		Description: "Caching recursive DNS resolver",
	}
	svcFlag := flag.String("service", "", fmt.Sprintf("Control the system service: %q", service.ControlAction))
	app := &App{proxy: NewProxy()}
	svc, err := service.New(app, svcConfig)
	if err != nil {
		svc = nil
		dlog.Debug(err)
	}

	if err := ConfigLoad(app.proxy, svcFlag); err != nil {
		dlog.Fatal(err)
	}
	dlog.Noticef("burrow %s", AppVersion)

	if len(*svcFlag) != 0 {
		if svc == nil {
			dlog.Fatal("Built-in service installation is not supported on this platform")
		}
		if err := service.Control(svc, *svcFlag); err != nil {
			dlog.Fatal(err)
		}
		switch *svcFlag {
		case "install":
			dlog.Notice("Installed as a service. Use `-service start` to start")
		case "uninstall":
			dlog.Notice("Service uninstalled")
		case "start":
			dlog.Notice("Service started")
		case "stop":
			dlog.Notice("Service stopped")
		case "restart":
			dlog.Notice("Service restarted")
		}
		return
	}
	if svc != nil {
		if err := svc.Run(); err != nil {
			dlog.Fatal(err)
		}
	} else {
		app.Start(nil)
	}
}

func (app *App) Start(service service.Service) error {
	app.quit = make(chan struct{})
	app.wg.Add(1)
	if service != nil {
		go app.AppMain()
	} else {
		app.AppMain()
	}
	return nil
}

func (app *App) AppMain() {
	if err := PidFileCreate(); err != nil {
		dlog.Criticalf("Unable to create the PID file: %v", err)
	}
	app.proxy.StartProxy()
	<-app.quit
	dlog.Notice("Quit signal received...")
	app.wg.Done()
}

func (app *App) Stop(service service.Service) error {
	if err := PidFileRemove(); err != nil {
		dlog.Warnf("Failed to remove the PID file: %v", err)
	}
	dlog.Notice("Stopped.")
	return nil
}
