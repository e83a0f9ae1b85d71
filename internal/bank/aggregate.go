package bank

import (
	"sort"
	"strings"
	"time"
)

// DepositLine is one deposit as shown inside a customer group.
type DepositLine struct {
	ID        string  `json:"id"`
	Date      string  `json:"date"`
	WasteType string  `json:"wasteType"`
	Weight    float64 `json:"weight"`
}

// CustomerGroup collects the deposits of one customer for the history view.
// Name comes from the deposits' denormalized customer name, not from the live customer record.
type CustomerGroup struct {
	ID          string        `json:"id"`
	CustomerID  string        `json:"customerId"`
	Name        string        `json:"name"`
	Items       []DepositLine `json:"items"`
	TotalWeight float64       `json:"totalWeight"`
	ItemCount   int           `json:"itemCount"`
}

// GroupByCustomer partitions deposits by customer in first-seen order. Items inside a group are
// sorted most recent first; equal or unparseable dates keep their input order.
func GroupByCustomer(deposits []Deposit) []CustomerGroup {
	groups := make([]CustomerGroup, 0)
	positions := make(map[string]int)
	for _, deposit := range deposits {
		position, ok := positions[deposit.CustomerID]
		if !ok {
			position = len(groups)
			positions[deposit.CustomerID] = position
			groups = append(groups, CustomerGroup{
				ID:         deposit.CustomerID,
				CustomerID: deposit.CustomerID,
				Name:       deposit.CustomerName,
				Items:      []DepositLine{},
			})
		}
		group := &groups[position]
		group.Items = append(group.Items, DepositLine{
			ID:        deposit.ID,
			Date:      deposit.Timestamp,
			WasteType: deposit.WasteType,
			Weight:    deposit.Weight,
		})
		group.TotalWeight += deposit.Weight
		group.ItemCount++
	}
	for index := range groups {
		sortLinesNewestFirst(groups[index].Items)
	}
	return groups
}

// FilterByName keeps the groups whose name contains query, ignoring case.
// An empty query returns groups unchanged.
func FilterByName(groups []CustomerGroup, query string) []CustomerGroup {
	if query == "" {
		return groups
	}
	needle := strings.ToLower(query)
	filtered := make([]CustomerGroup, 0)
	for _, group := range groups {
		if strings.Contains(strings.ToLower(group.Name), needle) {
			filtered = append(filtered, group)
		}
	}
	return filtered
}

// FilterCustomers keeps customers whose name or address contains query ignoring case,
// or whose phone contains it verbatim. An empty query returns customers unchanged.
func FilterCustomers(customers []Customer, query string) []Customer {
	if query == "" {
		return customers
	}
	needle := strings.ToLower(query)
	filtered := make([]Customer, 0)
	for _, customer := range customers {
		switch {
		case strings.Contains(strings.ToLower(customer.Name), needle),
			strings.Contains(customer.Phone, query),
			strings.Contains(strings.ToLower(customer.Address), needle):
			filtered = append(filtered, customer)
		}
	}
	return filtered
}

// SumWeights adds up deposit weights.
func SumWeights(deposits []Deposit) float64 {
	total := 0.0
	for _, deposit := range deposits {
		total += deposit.Weight
	}
	return total
}

func sortLinesNewestFirst(lines []DepositLine) {
	instants := make(map[string]time.Time, len(lines))
	for _, line := range lines {
		if _, seen := instants[line.Date]; seen {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, line.Date)
		if err != nil {
			parsed = time.Time{}
		}
		instants[line.Date] = parsed
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return instants[lines[i].Date].After(instants[lines[j].Date])
	})
}
