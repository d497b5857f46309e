package main

import (
	"log/slog"

	"provisiond/internal/home"
	"provisiond/internal/manager"
	"provisiond/internal/manager/dhcp"
	"provisiond/internal/manager/dns"
	"provisiond/internal/manager/tftp"
	"provisiond/internal/orchestrator"
	"provisiond/internal/store"
	storebadger "provisiond/internal/store/badger"
	storefile "provisiond/internal/store/file"
	storemem "provisiond/internal/store/memory"
	storesqlite "provisiond/internal/store/sqlite"
)

// buildFactories registers every compiled-in backend and manager module.
func buildFactories(logger *slog.Logger) orchestrator.Factories {
	return orchestrator.Factories{
		Stores: store.Registry{
			"file":   storefile.NewFactory(),
			"sqlite": storesqlite.NewFactory(),
			"badger": storebadger.NewFactory(),
			"memory": storemem.NewFactory(),
		},
		StoreDefaults: map[string]func(home.Dir) map[string]string{
			"file": func(d home.Dir) map[string]string {
				return map[string]string{storefile.ParamDir: d.ItemsDir()}
			},
			"sqlite": func(d home.Dir) map[string]string {
				return map[string]string{storesqlite.ParamPath: d.DatabasePath()}
			},
			"badger": func(d home.Dir) map[string]string {
				return map[string]string{storebadger.ParamDir: d.KVDir()}
			},
		},
		Managers: manager.Registry{
			manager.Key("dhcp", "isc"):     dhcp.NewISCFactory(),
			manager.Key("dhcp", "dnsmasq"): dhcp.NewDnsmasqFactory(),
			manager.Key("dns", "bind"):     dns.NewBindFactory(),
			manager.Key("dns", "hosts"):    dns.NewHostsFactory(),
			manager.Key("tftp", "pxe"):     tftp.NewPXEFactory(),
		},
		Logger: logger,
	}
}
