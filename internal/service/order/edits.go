package order

import (
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/service/inventory"
)

// EditKind: тип правки строки заказа.
type EditKind string

const (
	EditSetQuantity EditKind = "set_quantity"
	EditAdd         EditKind = "add"
	EditRemove      EditKind = "remove"
)

// LineEdit: одна правка строк заказа.
type LineEdit struct {
	Kind EditKind
	// Key: ключ строки (вариант или товар) для set_quantity и remove.
	Key      string
	Quantity int
	// Line: новая строка для add.
	Line domain.CartLine
}

// EditsFromItems сравнивает текущие строки с желаемым полным списком и строит правки.
// Для существующих строк учитывается только количество; строки, которых нет в списке,
// удаляются. Повтор ключа в списке возвращает ErrDuplicateLine.
func EditsFromItems(current []domain.OrderLine, desired []domain.CartLine) ([]LineEdit, error) {
	wanted := make(map[string]struct{}, len(desired))
	var edits []LineEdit

	for _, line := range desired {
		key := line.Key()
		if _, dup := wanted[key]; dup {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateLine, key)
		}
		wanted[key] = struct{}{}

		idx := indexOfOrderLine(current, key)
		switch {
		case idx < 0:
			edits = append(edits, LineEdit{Kind: EditAdd, Key: key, Quantity: line.Quantity, Line: line})
		case current[idx].Quantity != line.Quantity:
			edits = append(edits, LineEdit{Kind: EditSetQuantity, Key: key, Quantity: line.Quantity})
		}
	}

	for _, line := range current {
		if _, ok := wanted[line.Key()]; !ok {
			edits = append(edits, LineEdit{Kind: EditRemove, Key: line.Key()})
		}
	}
	return edits, nil
}

// applyEdits применяет правки к копии строк и возвращает запросы на проверку остатков
// для строк, количество которых выросло, и для новых строк.
func applyEdits(current []domain.OrderLine, edits []LineEdit) ([]domain.OrderLine, []inventory.Request, error) {
	lines := domain.CloneOrderLines(current)
	original := make(map[string]int, len(current))
	for _, line := range current {
		original[line.Key()] = line.Quantity
	}

	for _, edit := range edits {
		switch edit.Kind {
		case EditSetQuantity:
			idx := indexOfOrderLine(lines, edit.Key)
			if idx < 0 {
				return nil, nil, domain.ErrLineNotFound
			}
			if edit.Quantity <= 0 {
				lines = append(lines[:idx], lines[idx+1:]...)
				continue
			}
			lines[idx].Quantity = edit.Quantity

		case EditAdd:
			line := edit.Line
			if strings.TrimSpace(line.ProductID) == "" || strings.TrimSpace(line.ProductName) == "" {
				return nil, nil, domain.ErrNewLineIncomplete
			}
			if err := line.Validate(); err != nil {
				return nil, nil, err
			}
			if idx := indexOfOrderLine(lines, line.Key()); idx >= 0 {
				lines[idx].Quantity += line.Quantity
				continue
			}
			lines = append(lines, domain.OrderLine{CartLine: line.Clone()})

		case EditRemove:
			idx := indexOfOrderLine(lines, edit.Key)
			if idx < 0 {
				return nil, nil, domain.ErrLineNotFound
			}
			lines = append(lines[:idx], lines[idx+1:]...)

		default:
			return nil, nil, domain.ErrNoChanges
		}
	}

	var checks []inventory.Request
	for _, line := range lines {
		before, existed := original[line.Key()]
		if !existed || line.Quantity > before {
			checks = append(checks, inventory.Request{VariantID: line.Key(), Requested: line.Quantity})
		}
	}
	return lines, checks, nil
}

func indexOfOrderLine(lines []domain.OrderLine, key string) int {
	for i, line := range lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}

func sameLines(a, b []domain.OrderLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() || a[i].Quantity != b[i].Quantity || !a[i].UnitPrice.Equal(b[i].UnitPrice) {
			return false
		}
	}
	return true
}
