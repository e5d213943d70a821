package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/call_bridge/pkg/bridge"
	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"

	"github.com/emiago/sipgo/sip"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:5060", "Адрес прослушивания")
		contact    = flag.String("user", "alice", "Имя пользователя")
		display    = flag.String("display", "Alice", "Отображаемое имя")
		mode       = flag.String("mode", "server", "Режим: server, client")
		target     = flag.String("target", "sip:bob@127.0.0.1:5061", "Адрес исходящего вызова")
		duration   = flag.Duration("duration", 15*time.Second, "Длительность вызова в режиме client")
		debug      = flag.Bool("debug", false, "Отладка SIP")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	switch *mode {
	case "server":
		run(*listenAddr, *contact, *display, "", 0)
	case "client":
		run(*listenAddr, *contact, *display, *target, *duration)
	default:
		fmt.Printf("Неизвестный режим: %s\n", *mode)
		fmt.Println("Доступные режимы: server, client")
		os.Exit(1)
	}
}

// run поднимает движок, ядро синхронизации и консольный провайдер.
// target != "" включает режим исходящего вызова.
func run(listenAddr, contact, display, target string, duration time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engCfg := engine.DefaultSIPEngineConfig()
	engCfg.ListenAddr = listenAddr
	engCfg.Contact = contact
	engCfg.DisplayName = display

	eng, err := engine.NewSIPEngine(engCfg)
	if err != nil {
		log.Fatalf("Ошибка создания SIP движка: %v", err)
	}
	defer eng.Close()

	reporter := provider.NewConsoleReporter(log.Default())

	cfg := bridge.DefaultConfig()
	cfg.Engine = eng
	cfg.Reporter = reporter

	core, err := bridge.New(cfg)
	if err != nil {
		log.Fatalf("Ошибка создания ядра синхронизации: %v", err)
	}

	reporter.SetObserver(core)

	core.OnNotification(func(n bridge.Notification) {
		switch note := n.(type) {
		case bridge.CallUpdated:
			log.Printf("вызов %s: %s %s", note.ID, note.State, note.Message)
		case bridge.LocalIncomingAlert:
			log.Printf("входящий вызов %s от %q (%s)", note.ID, note.DisplayName, note.Handle)
		case bridge.RemotePauseChanged:
			log.Printf("вызов %s: удаленная пауза=%t", note.ID, note.Paused)
		case bridge.RemainingCallNotice:
			log.Printf("остался вызов %s", note.ID)
		case bridge.AudioRouteReset:
			log.Printf("маршрут аудио сброшен")
		case bridge.NativeUIAvailabilityChanged:
			log.Printf("нативный UI выключен=%t", note.Disabled)
		}
	})

	core.Start()
	defer core.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Serve(ctx)
	}()
	log.Printf("SIP движок слушает %s", listenAddr)

	if target != "" {
		log.Printf("Исходящий вызов: %s", target)
		token := core.PlaceCall(target, false)
		log.Printf("Токен провайдера: %s", token)

		go func() {
			time.Sleep(duration)
			for _, id := range eng.ListActiveCalls() {
				core.HangUp(id)
			}
			time.Sleep(time.Second)
			cancel()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Получен сигнал %s, останавливаемся", sig)
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Printf("Движок остановлен с ошибкой: %v", err)
		}
	case <-ctx.Done():
	}
}
