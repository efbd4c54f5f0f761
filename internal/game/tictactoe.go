package game

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TicTacToeType = "tictactoe"

	SlotX = "X"
	SlotO = "O"

	// WinnerDraw marks a drawn game in Result.Winner and Terminal().
	WinnerDraw = "draw"
)

var (
	ErrOutOfRange   = errors.New("cell out of range")
	ErrCellOccupied = errors.New("cell already occupied")
	ErrGameOver     = errors.New("game is over")
	ErrWrongSlot    = errors.New("not this slot's turn")
)

// TicTacToe is the reference game protocol: 3x3 grid, three in a row wins.
type TicTacToe struct{}

func NewTicTacToe() *TicTacToe { return &TicTacToe{} }

func (t *TicTacToe) Type() string    { return TicTacToeType }
func (t *TicTacToe) Slots() []string { return []string{SlotX, SlotO} }

func (t *TicTacToe) NewState(startSlot string) State {
	if startSlot != SlotX && startSlot != SlotO {
		startSlot = SlotX
	}
	return &tttState{current: startSlot}
}

func (t *TicTacToe) BroadcastInterval() time.Duration { return 100 * time.Millisecond }
func (t *TicTacToe) MaxSpectators() int               { return 50 }
func (t *TicTacToe) PatchingEnabled() bool            { return true }
func (t *TicTacToe) DefaultTurnBudget() time.Duration { return 30 * time.Second }
func (t *TicTacToe) TimeoutPolicy() TimeoutPolicy     { return TimeoutForfeit }

type lastMove struct {
	Row    int
	Col    int
	Player string
}

type tttState struct {
	board     [3][3]string // "", "X", "O"
	current   string       // "" once terminal
	moveCount int
	winner    string // "X", "O", "draw", or ""
	line      [][2]int
	last      *lastMove
}

func (s *tttState) Current() string { return s.current }

func (s *tttState) Legal(slot string, action Action) error {
	if s.winner != "" {
		return ErrGameOver
	}
	if slot != s.current {
		return ErrWrongSlot
	}
	row, col, err := cellOf(action)
	if err != nil {
		return err
	}
	if s.board[row][col] != "" {
		return ErrCellOccupied
	}
	return nil
}

func (s *tttState) Apply(slot string, action Action) (Result, error) {
	if err := s.Legal(slot, action); err != nil {
		return Result{Valid: false}, err
	}
	row, col, _ := cellOf(action)

	s.board[row][col] = slot
	s.moveCount++
	s.last = &lastMove{Row: row, Col: col, Player: slot}

	// Winning line before draw: a full board with three in a row is a win.
	if line, ok := s.findWin(slot); ok {
		s.winner = slot
		s.line = line
		s.current = ""
		return Result{Valid: true, Ended: true, Winner: slot, Reward: 1}, nil
	}
	if s.moveCount == 9 {
		s.winner = WinnerDraw
		s.current = ""
		return Result{Valid: true, Ended: true, Winner: WinnerDraw, Reward: 0.5}, nil
	}

	s.current = opponent(slot)
	return Result{Valid: true}, nil
}

func (s *tttState) LegalActions(slot string) []Action {
	if s.winner != "" || slot != s.current {
		return nil
	}
	var actions []Action
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if s.board[r][c] == "" {
				actions = append(actions, Action{"row": float64(r), "col": float64(c)})
			}
		}
	}
	return actions
}

func (s *tttState) Terminal() (bool, string) {
	return s.winner != "", s.winner
}

func (s *tttState) WinningLine() []map[string]int {
	if len(s.line) == 0 {
		return nil
	}
	out := make([]map[string]int, len(s.line))
	for i, cell := range s.line {
		out[i] = map[string]int{"row": cell[0], "col": cell[1]}
	}
	return out
}

// Snapshot keeps a fixed key set so spectator patches are always replaces,
// never adds or removes.
func (s *tttState) Snapshot() map[string]interface{} {
	board := make([][]string, 3)
	for r := 0; r < 3; r++ {
		board[r] = make([]string, 3)
		copy(board[r], s.board[r][:])
	}
	snap := map[string]interface{}{
		"board":         board,
		"currentPlayer": s.current,
		"moveCount":     s.moveCount,
		"winner":        nil,
		"winningLine":   nil,
		"lastMove":      nil,
	}
	if s.winner != "" {
		snap["winner"] = s.winner
	}
	if line := s.WinningLine(); line != nil {
		snap["winningLine"] = line
	}
	if s.last != nil {
		snap["lastMove"] = map[string]interface{}{
			"row":    s.last.Row,
			"col":    s.last.Col,
			"player": s.last.Player,
		}
	}
	return snap
}

func (s *tttState) Render() string {
	var b strings.Builder
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			cell := s.board[r][c]
			if cell == "" {
				cell = "."
			}
			b.WriteString(cell)
			if c < 2 {
				b.WriteString(" | ")
			}
		}
		b.WriteString("\n")
		if r < 2 {
			b.WriteString("---------\n")
		}
	}
	switch {
	case s.winner == WinnerDraw:
		b.WriteString("Draw\n")
	case s.winner != "":
		fmt.Fprintf(&b, "%s wins\n", s.winner)
	default:
		fmt.Fprintf(&b, "%s to move\n", s.current)
	}
	return b.String()
}

// findWin checks every row, column and both diagonals for the given slot.
func (s *tttState) findWin(slot string) ([][2]int, bool) {
	for r := 0; r < 3; r++ {
		if s.board[r][0] == slot && s.board[r][1] == slot && s.board[r][2] == slot {
			return [][2]int{{r, 0}, {r, 1}, {r, 2}}, true
		}
	}
	for c := 0; c < 3; c++ {
		if s.board[0][c] == slot && s.board[1][c] == slot && s.board[2][c] == slot {
			return [][2]int{{0, c}, {1, c}, {2, c}}, true
		}
	}
	if s.board[0][0] == slot && s.board[1][1] == slot && s.board[2][2] == slot {
		return [][2]int{{0, 0}, {1, 1}, {2, 2}}, true
	}
	if s.board[0][2] == slot && s.board[1][1] == slot && s.board[2][0] == slot {
		return [][2]int{{0, 2}, {1, 1}, {2, 0}}, true
	}
	return nil, false
}

func opponent(slot string) string {
	if slot == SlotX {
		return SlotO
	}
	return SlotX
}

func cellOf(action Action) (int, int, error) {
	row, okR := numField(action, "row")
	col, okC := numField(action, "col")
	if !okR || !okC {
		return 0, 0, ErrOutOfRange
	}
	if row < 0 || row > 2 || col < 0 || col > 2 {
		return 0, 0, ErrOutOfRange
	}
	return row, col, nil
}

func numField(action Action, key string) (int, bool) {
	v, ok := action[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
