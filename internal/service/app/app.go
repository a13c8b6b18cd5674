package app

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/utils/log"
)

var rememberOptions = []struct {
	label string
	days  float64
}{
	{"Don't remember", 0},
	{"1 day", 1},
	{"7 days", 7},
	{"30 days", 30},
}

type (
	// App is the terminal front end of a dialog window. It implements Prompter.
	App struct {
		app    *tview.Application
		pages  *tview.Pages
		status *tview.TextView

		quit     chan struct{}
		quitOnce sync.Once
	}

	credentialsAnswer struct {
		creds Credentials
		err   error
	}
)

func NewApp() *App {
	a := &App{
		app:    tview.NewApplication(),
		pages:  tview.NewPages(),
		status: tview.NewTextView().SetDynamicColors(true),
		quit:   make(chan struct{}),
	}
	a.status.SetBorder(true).SetTitle(" idOS enclave ")
	a.pages.AddPage("status", a.status, true, true)
	return a
}

// Run connects to the dialog window at rawURL, answers its single request and returns
// once the enclave closes the window or the human quits.
func (a *App) Run(ctx context.Context, rawURL string, authn *Authenticator) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	humanID := u.Query().Get("humanId")

	client, err := Dial(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("connect dialog: %w", err)
	}
	defer client.Close()

	req, err := client.Hello(ctx)
	if err != nil {
		return err
	}
	log.Info("dialog opened", zap.String("intent", string(req.Intent)), zap.String("humanId", humanID))
	fmt.Fprintf(a.status, "[yellow]%s[-] request for %s\n", req.Intent, humanID)

	h := NewHandler(humanID, authn, a, client)
	go func() {
		if err := h.Handle(ctx, req); err != nil {
			log.Error("answer dialog failed", zap.Error(err))
		}
		a.show("Waiting for the enclave to close this window...")
	}()

	go func() {
		select {
		case <-client.Done():
		case <-ctx.Done():
		}
		a.stop()
	}()

	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyCtrlC {
			a.stop()
			return nil
		}
		return ev
	})
	return a.app.SetRoot(a.pages, true).Run()
}

func (a *App) stop() {
	a.quitOnce.Do(func() {
		close(a.quit)
		a.app.Stop()
	})
}

func (a *App) show(text string) {
	a.app.QueueUpdateDraw(func() {
		fmt.Fprintln(a.status, text)
		a.pages.SwitchToPage("status")
	})
}

func (a *App) back() {
	a.app.QueueUpdateDraw(func() {
		a.pages.RemovePage("prompt")
		a.pages.SwitchToPage("status")
	})
}

func (a *App) Credentials(title string, allowPasskey bool) (Credentials, error) {
	ch := make(chan credentialsAnswer, 1)
	answer := func(c Credentials, err error) {
		select {
		case ch <- credentialsAnswer{creds: c, err: err}:
		default:
		}
	}

	a.app.QueueUpdateDraw(func() {
		labels := make([]string, len(rememberOptions))
		for i, o := range rememberOptions {
			labels[i] = o.label
		}

		form := tview.NewForm()
		form.AddPasswordField("Password", "", 40, '*', nil)
		form.AddDropDown("Remember", labels, 0, nil)
		remember := func() float64 {
			i, _ := form.GetFormItemByLabel("Remember").(*tview.DropDown).GetCurrentOption()
			if i < 0 {
				return 0
			}
			return rememberOptions[i].days
		}

		form.AddButton("Unlock", func() {
			answer(Credentials{
				Method:       model.AuthMethodPassword,
				Password:     form.GetFormItemByLabel("Password").(*tview.InputField).GetText(),
				RememberDays: remember(),
			}, nil)
		})
		if allowPasskey {
			form.AddButton("Use passkey", func() {
				answer(Credentials{Method: model.AuthMethodPasskey, RememberDays: remember()}, nil)
			})
		}
		form.AddButton("Cancel", func() { answer(Credentials{}, ErrCancelled) })
		form.SetCancelFunc(func() { answer(Credentials{}, ErrCancelled) })
		form.SetBorder(true).SetTitle(" " + title + " ")

		a.pages.AddAndSwitchToPage("prompt", form, true)
	})

	select {
	case ans := <-ch:
		a.back()
		return ans.creds, ans.err
	case <-a.quit:
		return Credentials{}, ErrCancelled
	}
}

func (a *App) Confirm(title, text string) (bool, error) {
	ch := make(chan bool, 1)

	a.app.QueueUpdateDraw(func() {
		modal := tview.NewModal().
			SetText(text).
			AddButtons([]string{"Cancel", "Confirm"}).
			SetDoneFunc(func(_ int, label string) {
				select {
				case ch <- label == "Confirm":
				default:
				}
			})
		modal.SetTitle(" " + title + " ")
		a.pages.AddAndSwitchToPage("prompt", modal, true)
	})

	select {
	case ok := <-ch:
		a.back()
		return ok, nil
	case <-a.quit:
		return false, ErrCancelled
	}
}
