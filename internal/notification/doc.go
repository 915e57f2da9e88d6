// Package notification holds the data model shared by the delivery core:
// the Notification unit of delivery, its category and priority tags, the
// session delivery mode and the error taxonomy used across the channel,
// token, dispatch and polling components.
package notification
