package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"chatpool/internal/models"
	"chatpool/internal/upstream"
)

// containerStatus is one row of /status/all: the worker's live view merged
// with what the ledger knows about the page it is on.
type containerStatus struct {
	ContainerID string              `json:"container_id"`
	Reachable   bool                `json:"reachable"`
	Busy        bool                `json:"busy"`
	Status      map[string]any      `json:"status,omitempty"`
	Session     *models.ChatSession `json:"session,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func handleStatusAll(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := deps.Pool.EnabledIDs()
		rows := make([]containerStatus, len(ids))

		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				row := containerStatus{ContainerID: id}
				client, err := deps.Pool.Get(id)
				if err != nil {
					row.Error = err.Error()
					rows[i] = row
					return
				}
				payload, err := client.Status(c.Request.Context())
				if err != nil {
					row.Error = err.Error()
					rows[i] = row
					return
				}
				row.Reachable = true
				row.Busy = upstream.BusyStatus(payload)
				row.Status = payload

				// Enrich with the ledger session behind the reported page.
				if pageURL, ok := payload["page_url"].(string); ok && pageURL != "" && pageURL != models.NewChatPageURL {
					sess, err := deps.Store.SessionByURL(pageURL)
					if err != nil {
						log.Printf("server: status enrich %s: %v", id, err)
					} else {
						row.Session = sess
					}
				}
				rows[i] = row
			}(i, id)
		}
		wg.Wait()

		blocked, err := deps.Store.BlockedProfiles()
		if err != nil {
			log.Printf("server: blocked profiles: %v", err)
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":               true,
			"containers":       rows,
			"blocked_profiles": blocked,
			"profile_locks":    deps.Gate.Snapshot(),
		})
	}
}
