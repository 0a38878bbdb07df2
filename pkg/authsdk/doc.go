/*
Package authsdk is the client side of the auth core's HTTP surface.

Resource servers use it to probe the service and to verify access tokens
against the published key set without talking to the keystore:

	client := authsdk.NewSDKClient("https://auth.example.com")

	health, err := client.GetReadiness(ctx)

	keys := authsdk.NewRemoteKeys(client, 5*time.Minute)
	verifier := jwtx.NewVerifier(keys, jwtx.VerifyOptions{Issuer: "authcore"})
	claims, err := verifier.Verify(ctx, token, time.Now())

# Key rotation

The service publishes only keys that are Active or Retiring, so a token
signed with a key that has aged out of the grace window fails with
jwtx.ErrUnknownKID on every resource server once its cached set is
refreshed. RemoteKeys refetches the set when it meets a kid it has not
seen, at most once per MinRefresh, so a newly rotated key is picked up
without waiting for the cache to expire.
*/
package authsdk
