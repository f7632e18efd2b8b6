package workspacelog

import (
	"net/url"
)

// AdvertisementPrefix is the path every advertised log stream lives under.
const AdvertisementPrefix = "/headless-logs/"

// AdvertisementURL returns the path a terminal's log is served at.
func AdvertisementURL(instanceID, terminalID string) string {
	return AdvertisementPrefix + url.PathEscape(instanceID) + "/" + url.PathEscape(terminalID)
}

// AdvertisementURLs maps every task to the path of its terminal log.
func AdvertisementURLs(instanceID string, tasks map[string]string) map[string]string {
	urls := make(map[string]string, len(tasks))
	for taskID, terminalID := range tasks {
		urls[taskID] = AdvertisementURL(instanceID, terminalID)
	}
	return urls
}
