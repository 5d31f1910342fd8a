//go:build windows

package main

func setupSignalHandler(proxy *Proxy) {}
