package eventbus

import (
	"fmt"
	"time"

	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer NATS с JetStream внутри процесса (локальная разработка и тесты).
type EmbeddedServer struct {
	ns             *server.Server
	startupTimeout time.Duration
}

// NewEmbeddedServer создаёт сервер. port -1 выбирает случайный свободный порт,
// пустой storeDir размещает данные JetStream во временном каталоге.
func NewEmbeddedServer(host string, port int, storeDir string) (*EmbeddedServer, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ns, err := server.NewServer(&server.Options{
		Host:      host,
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true, // сигналы обрабатывает приложение
		NoLog:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("nats server: %w", err)
	}
	return &EmbeddedServer{ns: ns, startupTimeout: 10 * time.Second}, nil
}

// Start запускает сервер и ждёт готовности к подключениям
func (e *EmbeddedServer) Start() error {
	go e.ns.Start()
	if !e.ns.ReadyForConnections(e.startupTimeout) {
		e.ns.Shutdown()
		return fmt.Errorf("nats server not ready for connections")
	}
	logging.Info("🛰️ Встроенный NATS слушает %s", e.ns.ClientURL())
	return nil
}

// ClientURL адрес для nats.Connect
func (e *EmbeddedServer) ClientURL() string { return e.ns.ClientURL() }

// Shutdown останавливает сервер и дожидается завершения
func (e *EmbeddedServer) Shutdown() {
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
