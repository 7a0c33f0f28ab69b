package domain

type RouteName string

const (
	RouteLogin        RouteName = "login"
	RouteDashboard    RouteName = "dashboard"
	RouteTickets      RouteName = "tickets"
	RouteCreateTicket RouteName = "create-ticket"
	RouteTicketDetail RouteName = "ticket-detail"
	RouteNotFound     RouteName = "not-found"
)

// RouteRecord is one entry of the route table. Child paths are relative to
// the parent; RequiresAuth is inherited by children.
type RouteRecord struct {
	Name         RouteName
	Path         string
	RequiresAuth bool
	Children     []RouteRecord
}

// Route is a resolved navigation target.
type Route struct {
	Name         RouteName
	Path         string            // concrete path, params substituted
	Pattern      string            // path pattern from the table
	Params       map[string]string // path params such as "id"
	RequiresAuth bool
}

// Location identifies a navigation target by name (with params) or by path.
type Location struct {
	Name   RouteName
	Path   string
	Params map[string]string
}

// DefaultRoutes is the application's route table.
func DefaultRoutes() []RouteRecord {
	return []RouteRecord{
		{
			Path: "/auth",
			Children: []RouteRecord{
				{Name: RouteLogin, Path: "login"},
			},
		},
		{
			Path:         "/",
			RequiresAuth: true,
			Children: []RouteRecord{
				{Name: RouteDashboard, Path: ""},
				{Name: RouteTickets, Path: "tickets"},
				{Name: RouteCreateTicket, Path: "tickets/create"},
				{Name: RouteTicketDetail, Path: "tickets/:id"},
			},
		},
		{Name: RouteNotFound, Path: "/:pathMatch(.*)*"},
	}
}
