package matrix

import (
	"fmt"
	"net/url"
)

const pathSSORedirect = "/_matrix/client/v3/login/sso/redirect"

// SSORedirectURL builds the URL the browser opens to start single sign-on.
// An empty idpID lets the homeserver choose or prompt.
func (c *Client) SSORedirectURL(idpID, redirectURL string) (string, error) {
	homeserver := c.Homeserver()
	if homeserver == "" {
		return "", errNoHomeserver
	}
	if redirectURL == "" {
		return "", fmt.Errorf("sso redirect: callback url is required")
	}

	path := pathSSORedirect
	if idpID != "" {
		path += "/" + url.PathEscape(idpID)
	}
	query := url.Values{}
	query.Set("redirectUrl", redirectURL)

	return homeserver + path + "?" + query.Encode(), nil
}
