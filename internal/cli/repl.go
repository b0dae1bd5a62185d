package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rumeysa111/real-time-chat-room/internal/chatclient"
	"github.com/rumeysa111/real-time-chat-room/internal/topology"
)

// repl reads commands from the terminal and prints inbound events. Event
// callbacks arrive on the client's reader goroutines, so every write to the
// terminal goes through printf and its mutex.
type repl struct {
	in  io.Reader
	out io.Writer

	mu sync.Mutex
}

func newREPL(in io.Reader, out io.Writer) *repl {
	return &repl{in: in, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *repl) events() *chatclient.Events {
	return &chatclient.Events{
		OnMessage: func(user, content, timestamp string) {
			r.printf("[%s] %s: %s", timestamp, user, content)
		},
		OnDirectMessage: func(user, content, timestamp string) {
			r.printf("[%s] %s (özel): %s", timestamp, user, content)
		},
		OnUserJoin:  func(text string) { r.printf("*** %s", text) },
		OnUserLeave: func(text string) { r.printf("*** %s", text) },
		OnUserList: func(users []string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			renderUsers(r.out, users)
		},
		OnTopology: func(data topology.Data) {
			r.mu.Lock()
			defer r.mu.Unlock()
			renderTopology(r.out, data)
		},
	}
}

const helpText = `Komutlar:
  /msg <kullanıcı> <mesaj>  özel mesaj gönder
  /users                    bağlı kullanıcıları listele
  /topo                     ağ topolojisini göster
  /ping [kullanıcı]         gecikme ölç (boşsa sunucu)
  /quit                     çık
Diğer her şey sohbet mesajı olarak gönderilir.`

// run is the command loop. It returns when the input stream ends, /quit is
// entered, or the context is cancelled.
func (r *repl) run(ctx context.Context, client *chatclient.Client) error {
	r.printf("Bağlandı: %s. /help ile komutları gör.", client.Username())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, client, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, client *chatclient.Client, line string) (quit bool) {
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case line == "/help":
		r.printf("%s", helpText)
	case line == "/users":
		if err := client.RequestUsers(); err != nil {
			r.printf("hata: %v", err)
		}
	case line == "/topo":
		if err := client.RequestTopology(); err != nil {
			r.printf("hata: %v", err)
		}
	case strings.HasPrefix(line, "/ping"):
		target := strings.TrimSpace(strings.TrimPrefix(line, "/ping"))
		if target == "" {
			client.PingServer()
		} else if !client.PingUser(target) {
			r.printf("ping gönderilemedi: %s", target)
		}
	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimPrefix(line, "/msg ")
		target, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			r.printf("kullanım: /msg <kullanıcı> <mesaj>")
			return false
		}
		if !client.SendDirect(ctx, target, text) {
			r.printf("iletilemedi: %s", target)
		}
	case strings.HasPrefix(line, "/"):
		r.printf("bilinmeyen komut: %s (/help)", line)
	default:
		if !client.SendChat(ctx, line) {
			r.printf("mesaj iletilemedi")
		}
	}
	return false
}
