// Package cloud reads Plejd account data from the Plejd cloud API.
//
// The bridge needs two things from the account: the mesh crypto key and the
// mapping from device ids to mesh addresses. Both come from the site
// document returned by the API. Client implements plejd.AccountService.
//
// # Usage
//
//	client, err := cloud.New(cloud.Config{
//	    Username: "user@example.com",
//	    Password: "secret",
//	})
//	if err != nil {
//	    return err
//	}
//	sites, err := client.Sites(ctx)
//
// A login is performed on every Sites call. The session token is not kept.
package cloud
