// Package gateway is the client for the remote crew message store.
//
// The store is shared with other clients, so the persisted wire schema is
// fixed. A message is the JSON object:
//
//	{
//	  "id":            "srv-7f3a",          // store-assigned, absent before ack
//	  "crew_id":       "crew-12",
//	  "client_msg_id": "c9b1...",           // sender-assigned, stable across retries
//	  "sender_id":     "member-7",
//	  "sender_name":   "Sam",
//	  "body":          "hello",
//	  "kind":          "text",              // text|image|voice|document|job_share|system
//	  "attachments":   [ ... ],
//	  "sent_at_ms":    1756100000000,
//	  "edited_at_ms":  0,                   // zero when never edited
//	  "pinned":        false,
//	  "deleted":       false,
//	  "recipients":    ["member-7", ...],   // roster captured at send time
//	  "delivered":     {"member-9": 1756100000500},  // member id -> unix ms
//	  "read":          {"member-9": 1756100001200}
//	}
//
// An attachment is:
//
//	{
//	  "id":           "att-1",
//	  "url":          "https://cdn...",     // assigned after upload completes
//	  "content_type": "image/jpeg",
//	  "size_bytes":   183000,
//	  "thumb_url":    "https://cdn.../t"
//	}
//
// Subscriptions are WebSocket streams of full message-list snapshots per
// crew; snapshots may repeat and must be applied idempotently. Writes are
// request/response JSON posts carrying an action tag; failures carry a
// machine-readable reason code.
package gateway
