// Package notification holds the domain model shared by every notifyd
// component: templates and their translations, recipients, delivery records,
// the template status transition table and the error taxonomy.
package notification
