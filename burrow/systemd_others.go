//go:build !linux || android

package main

func (proxy *Proxy) addSystemDListeners() error {
	return nil
}

func SystemDNotify() {}
