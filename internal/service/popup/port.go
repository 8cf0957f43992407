package popup

import "github.com/zhouzirui/popchat/backend/internal/model/chat"

// Port is the view the controller drives. Implementations render into a
// browser popup, a terminal, or a test recorder.
type Port interface {
	Render(msg chat.Message)
	ScrollToBottom()
	SetInput(text string)
	FocusInput()
	SetSendEnabled(enabled bool)
	ResetFileInput()
	OpenFilePicker()
}

// NopPort discards every view update; used while no view is attached.
type NopPort struct{}

func (NopPort) Render(chat.Message) {}
func (NopPort) ScrollToBottom()     {}
func (NopPort) SetInput(string)     {}
func (NopPort) FocusInput()         {}
func (NopPort) SetSendEnabled(bool) {}
func (NopPort) ResetFileInput()     {}
func (NopPort) OpenFilePicker()     {}
